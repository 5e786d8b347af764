package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ctbundle/internal/plugin"
	"ctbundle/internal/watch"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the component bundle and serve it until interrupted",
		RunE:  runServe,
	}
	cmd.Flags().Bool("watch", true, "Rebuild when test files change")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}
	watchTests, _ := cmd.Flags().GetBool("watch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := plugin.New()
	p.Setup(cfg, dir)
	if err := p.Begin(ctx); err != nil {
		return err
	}
	defer closePlugin(p)

	switch p.State() {
	case plugin.Idle:
		warnf(os.Stderr, "No template directory %q under %s; nothing to serve.\n", cfg.TemplateDir, dir)
		return nil
	case plugin.Attached:
		okf(os.Stdout, "Reusing dev server at %s\n", p.Published().BaseURL)
		return nil
	}
	okf(os.Stdout, "Serving components at %s\n", p.Published().BaseURL)

	if watchTests {
		w, err := watch.New(dir, cfg.Projects, p.PopulateDependencies)
		if err != nil {
			return err
		}
		defer w.Close()
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "Shutting down dev server...")
	return nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Serve the component bundle while a test command runs",
		Long:  "Run starts (or reuses) the dev server, runs the command with PLAYWRIGHT_TEST_BASE_URL set, stops the server and exits with the command's exit code.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTests,
	}
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := plugin.New()
	p.Setup(cfg, dir)
	if err := p.Begin(ctx); err != nil {
		return err
	}
	defer closePlugin(p)

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = append(os.Environ(), p.Published().Environ()...)
	slog.Debug("running test command", "command", args, "base_url", p.Published().BaseURL)

	if err := child.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &exitError{code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return nil
}

func closePlugin(p *plugin.Plugin) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		errf(os.Stderr, "Server forced to shutdown: %v\n", err)
	}
}
