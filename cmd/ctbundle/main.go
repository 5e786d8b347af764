// Command ctbundle bundles and serves the components mounted by component
// tests, then runs the test command against the dev server.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ctbundle/internal/config"
)

const version = "0.1.0"

var (
	warnf = color.New(color.FgYellow).FprintfFunc()
	errf  = color.New(color.FgRed, color.Bold).FprintfFunc()
	okf   = color.New(color.FgGreen).FprintfFunc()
)

// exitError carries a child process exit code through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "ctbundle",
		Short:         "Component-test bundler and dev server",
		Long:          "ctbundle scans component tests for mounted components, bundles them with esbuild and serves the bundle to the browser under test.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(viper.GetBool("verbose"))
		},
	}

	rootCmd.PersistentFlags().String("config-dir", config.ConfigDirFromEnv(), "Directory holding ct.config.* and the template directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newClearCacheCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		errf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads the configuration from the --config-dir directory.
func loadConfig() (*config.Config, string, error) {
	dir := viper.GetString("config-dir")
	cfg, err := config.Load(dir, viper.New())
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ctbundle version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ctbundle %s\n", version)
		},
	}
}
