package devserver

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Component tests</title></head>
<body><div id="root"></div></body>
</html>`

const liveReloadScript = `(() => {
  const proto = location.protocol === "https:" ? "wss" : "ws";
  const ws = new WebSocket(proto + "://" + location.host + "%s");
  ws.onmessage = (e) => {
    if (JSON.parse(e.data).type === "%s") location.reload();
  };
})();`

type pageAssets struct {
	Script     string
	Stylesheet string
	LiveReload bool
}

// injectAssets adds the bundle script, its stylesheet and optionally the
// live-reload client to an HTML document.
func injectAssets(page []byte, assets pageAssets) ([]byte, error) {
	if len(bytes.TrimSpace(page)) == 0 {
		page = []byte(defaultIndexHTML)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse index.html: %w", err)
	}

	if assets.Stylesheet != "" {
		doc.Find("head").AppendHtml(fmt.Sprintf(`<link rel="stylesheet" href="%s">`, assets.Stylesheet))
	}
	body := doc.Find("body")
	if assets.Script != "" && !hasScript(doc, assets.Script) {
		body.AppendHtml(fmt.Sprintf(`<script type="module" src="%s"></script>`, assets.Script))
	}
	if assets.LiveReload {
		body.AppendHtml("<script>" + fmt.Sprintf(liveReloadScript, LiveReloadPath, EventContentChanged) + "</script>")
	}

	out, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "<!doctype") {
		out = "<!DOCTYPE html>\n" + out
	}
	return []byte(out), nil
}

func hasScript(doc *goquery.Document, src string) bool {
	found := false
	doc.Find("script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, _ := s.Attr("src"); strings.TrimPrefix(v, "/") == strings.TrimPrefix(src, "/") {
			found = true
			return false
		}
		return true
	})
	return found
}
