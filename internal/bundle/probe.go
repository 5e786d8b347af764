package bundle

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// ProbeTimeout bounds IsURLAvailable.
const ProbeTimeout = 2 * time.Second

var probeClient = &http.Client{
	Timeout: ProbeTimeout,
	Transport: &http.Transport{
		// Dev servers usually run with self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	},
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// IsURLAvailable reports whether anything answers HTTP at url. Any status
// code counts.
func IsURLAvailable(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
