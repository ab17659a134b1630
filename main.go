package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/storefront-cli/tui"
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		// Log lines would tear the TUI frame.
		runErr := run(cfg, d, newLogger(cfg.LogLevel, io.Discard))
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(cfg, d, newLogger(cfg.LogLevel, os.Stderr)); err != nil {
			os.Exit(1)
		}
	}
}

// newHTTPClient returns the tuned base client shared by token and API calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

func run(cfg *Config, d tui.Displayer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := newHTTPClient()

	// Token endpoint calls go through go-httpretry; API calls are not
	// retried blindly since the auth transport replays them itself.
	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(base),
	)
	if err != nil {
		err = fmt.Errorf("failed to create retry client: %w", err)
		d.Fatal(err)
		return err
	}

	a, err := newApp(cfg, d, logger, retryClient, base.Transport)
	if err != nil {
		d.Fatal(err)
		return err
	}

	if err := a.run(ctx); err != nil {
		d.Fatal(err)
		return err
	}
	return nil
}
