package types

import (
	"fmt"
	"net/http"
)

// UploadResult is what the hosting platform returns for a published episode.
type UploadResult struct {
	EpisodeID string `json:"episodeId"`
	URL       string `json:"url"`
}

// UploadError is a non-2xx answer from the hosting platform.
type UploadError struct {
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed with HTTP %d: %s", e.StatusCode, e.Message)
}

// IsAuthFailure reports whether the platform rejected the access token.
func (e *UploadError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
