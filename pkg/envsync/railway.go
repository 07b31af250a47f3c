package envsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/d-kuro/episodepilot/pkg/constants"
)

const variableUpsertMutation = `mutation variableUpsert($input: VariableUpsertInput!) {
  variableUpsert(input: $input)
}`

// RailwayConfig identifies the service whose variables are updated.
type RailwayConfig struct {
	Endpoint      string
	APIToken      string
	ProjectID     string
	EnvironmentID string
	// ServiceID is optional; without it the variable is shared by the environment.
	ServiceID string

	HTTPClient *http.Client
	BaseDelay  time.Duration
}

// Configured reports whether the token and identifiers are all present.
func (c RailwayConfig) Configured() bool {
	return c.APIToken != "" && c.ProjectID != "" && c.EnvironmentID != ""
}

// RailwaySyncer upserts service variables through the Railway GraphQL API.
type RailwaySyncer struct {
	cfg RailwayConfig
}

// NewRailwaySyncer creates a new RailwaySyncer.
func NewRailwaySyncer(cfg RailwayConfig) *RailwaySyncer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = constants.DefaultRailwayEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.RetryBaseDelay
	}
	return &RailwaySyncer{cfg: cfg}
}

// Name implements Syncer.
func (r *RailwaySyncer) Name() string { return "railway" }

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type variableUpsertInput struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	ServiceID     string `json:"serviceId,omitempty"`
	Name          string `json:"name"`
	Value         string `json:"value"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Sync implements Syncer.
func (r *RailwaySyncer) Sync(ctx context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if !r.cfg.Configured() {
		return errors.New("railway sync requires api token, project id and environment id")
	}

	payload, err := json.Marshal(graphQLRequest{
		Query: variableUpsertMutation,
		Variables: map[string]any{
			"input": variableUpsertInput{
				ProjectID:     r.cfg.ProjectID,
				EnvironmentID: r.cfg.EnvironmentID,
				ServiceID:     r.cfg.ServiceID,
				Name:          name,
				Value:         value,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	b := retry.WithMaxRetries(constants.RetryMaxAttempts-1, retry.NewExponential(r.cfg.BaseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		return r.post(ctx, payload)
	})
}

func (r *RailwaySyncer) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIToken)
	req.Header.Set("Content-Type", constants.ContentTypeJSON)
	req.Header.Set("User-Agent", constants.DefaultUserAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxResponseSize))
	if err != nil {
		return retry.RetryableError(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return retry.RetryableError(fmt.Errorf("railway API returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("railway API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out graphQLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("railway API error: %s", strings.Join(msgs, "; "))
	}
	return nil
}
