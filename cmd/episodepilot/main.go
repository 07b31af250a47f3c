// Command episodepilot checks and repairs the hosting credential used by the
// episode pipeline.
//
// Usage:
//
//	episodepilot [-env .env] validate
//	episodepilot [-env .env] status [-refresh]
//	episodepilot [-env .env] fallback-health
//	episodepilot [-env .env] bootstrap
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/d-kuro/episodepilot"
	"github.com/d-kuro/episodepilot/pkg/auth"
	"github.com/d-kuro/episodepilot/pkg/fallback"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitCredential = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("episodepilot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", ".env", "dotenv file to load before reading the environment")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "usage: episodepilot [-env file] <validate|status|fallback-health|bootstrap> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitConfig
	}

	cfg, err := episodepilot.LoadConfig(*envFile)
	if err != nil {
		return report(stderr, err)
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "validate":
		return validate(ctx, cfg, stdout, stderr)
	case "status":
		return status(ctx, cfg, rest, stdout, stderr)
	case "fallback-health":
		return fallbackHealth(ctx, cfg, stdout, stderr)
	case "bootstrap":
		return bootstrap(ctx, cfg, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitConfig
	}
}

func validate(ctx context.Context, cfg *episodepilot.Config, stdout, stderr io.Writer) int {
	if err := cfg.Validate(); err != nil {
		return report(stderr, err)
	}
	client, err := episodepilot.NewClient(ctx, cfg)
	if err != nil {
		return report(stderr, err)
	}
	defer func() { _ = client.Close() }()

	if _, err := client.ValidateAtStartup(ctx); err != nil {
		return report(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, "credential valid")
	return writeJSON(stdout, client.Status())
}

func status(ctx context.Context, cfg *episodepilot.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	refresh := fs.Bool("refresh", false, "obtain an access token before reporting")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	client, err := episodepilot.NewClient(ctx, cfg)
	if err != nil {
		return report(stderr, err)
	}
	defer func() { _ = client.Close() }()

	code := exitOK
	if *refresh {
		if _, err := client.AccessToken(ctx); err != nil {
			code = report(stderr, err)
		}
	}
	if c := writeJSON(stdout, client.Status()); c != exitOK {
		return c
	}
	return code
}

func fallbackHealth(ctx context.Context, cfg *episodepilot.Config, stdout, stderr io.Writer) int {
	client, err := episodepilot.NewClient(ctx, cfg)
	if err != nil {
		return report(stderr, err)
	}
	defer func() { _ = client.Close() }()

	health, st, err := client.CheckFallback(ctx)
	if err != nil {
		return report(stderr, err)
	}
	out := struct {
		Health fallback.Health  `json:"health"`
		Status *fallback.Status `json:"status,omitempty"`
	}{health, st}
	if c := writeJSON(stdout, out); c != exitOK {
		return c
	}
	if !health.Healthy {
		return exitFailure
	}
	return exitOK
}

func bootstrap(ctx context.Context, cfg *episodepilot.Config, stdout, stderr io.Writer) int {
	client, err := episodepilot.NewClient(ctx, cfg)
	if err != nil {
		return report(stderr, err)
	}
	defer func() { _ = client.Close() }()

	tok, err := client.Bootstrap(ctx)
	if tok != nil {
		_, _ = fmt.Fprintf(stdout, "new refresh token %s issued\n", auth.Fingerprint(tok.RefreshToken))
	}
	if err != nil {
		return report(stderr, err)
	}
	return exitOK
}

// report prints err with its remediation and maps it to an exit code.
func report(w io.Writer, err error) int {
	_, _ = fmt.Fprintf(w, "error: %v\n", err)
	var ae *auth.AuthError
	if errors.As(err, &ae) && ae.Remediation() != "" {
		_, _ = fmt.Fprintf(w, "fix: %s\n", ae.Remediation())
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var cfgErr *episodepilot.ConfigError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr), errors.Is(err, auth.ErrConfiguration), errors.Is(err, fallback.ErrNotConfigured):
		return exitConfig
	case auth.IsFatal(err):
		return exitCredential
	default:
		return exitFailure
	}
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitFailure
	}
	return exitOK
}
