// Package episode runs the publishing pipeline: it picks scheduled rows from
// the sheet, generates and synthesizes each episode, uploads it with a
// supervised hosting credential and writes the outcome back.
package episode

import (
	"context"

	"github.com/d-kuro/episodepilot/pkg/types"
)

// Sheet reads and updates scheduling rows.
type Sheet interface {
	Rows(ctx context.Context) ([]types.Row, error)
	WriteRow(ctx context.Context, index int, values map[string]string) error
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, messages []types.Message, sampling types.Sampling) (string, error)
}

// Synthesizer renders a script to an audio file at path.
type Synthesizer interface {
	Synthesize(ctx context.Context, script, path string) error
}

// Uploader publishes an episode. Rejected credentials are reported as
// *types.UploadError with a 401 or 403 status.
type Uploader interface {
	Upload(ctx context.Context, req types.UploadRequest) (*types.UploadResult, error)
}

// Tokens is the credential supervisor as seen by the runner.
type Tokens interface {
	ValidateAtStartup(ctx context.Context) (string, error)
	AccessToken(ctx context.Context) (string, error)
	RefreshAfterRejection(ctx context.Context, rejected string) (string, error)
}
