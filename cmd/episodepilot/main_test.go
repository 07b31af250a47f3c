package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/d-kuro/episodepilot"
	"github.com/d-kuro/episodepilot/pkg/auth"
	"github.com/d-kuro/episodepilot/pkg/fallback"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "config error", err: &episodepilot.ConfigError{Field: "HOSTING_CLIENT_ID", Message: "cannot be empty"}, want: exitConfig},
		{name: "malformed token", err: &auth.AuthError{Op: "validate_token", Kind: auth.KindConfiguration, Message: "bad"}, want: exitConfig},
		{name: "fallback not configured", err: fallback.ErrNotConfigured, want: exitConfig},
		{name: "invalid grant", err: fmt.Errorf("startup: %w", &auth.AuthError{Op: "refresh_token", Kind: auth.KindInvalidGrant, Message: "used"}), want: exitCredential},
		{name: "invalid client", err: &auth.AuthError{Op: "refresh_token", Kind: auth.KindInvalidClient, Message: "bad client"}, want: exitCredential},
		{name: "transient", err: &auth.AuthError{Op: "refresh_token", Kind: auth.KindTransientNetwork, Message: "timeout"}, want: exitFailure},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestReportIncludesRemediation(t *testing.T) {
	var buf bytes.Buffer
	code := report(&buf, &auth.AuthError{Op: "refresh_token", Kind: auth.KindInvalidGrant, Message: "used"})

	assert.Equal(t, exitCredential, code)
	assert.Contains(t, buf.String(), "error: ")
	assert.Contains(t, buf.String(), "fix: ")
	assert.Contains(t, buf.String(), "bootstrap")
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitConfig, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: episodepilot")
}

func TestRunValidateRejectsIncompleteConfig(t *testing.T) {
	t.Setenv("HOSTING_CLIENT_ID", "")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-env", t.TempDir() + "/none.env", "validate"}, &stdout, &stderr)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr.String(), "HOSTING_CLIENT_ID")
}
