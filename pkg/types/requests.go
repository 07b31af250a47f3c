// Package types provides the data structures exchanged between the episode
// runner and its collaborators.
package types

import "time"

// Message is one turn of a content-generation prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Sampling controls content generation.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// UploadRequest describes an episode to publish on the hosting platform.
type UploadRequest struct {
	// AccessToken is the bearer credential for this attempt.
	AccessToken string `json:"-"`

	ShowID      string    `json:"showId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	AudioPath   string    `json:"audioPath"`
	PublishAt   time.Time `json:"publishAt,omitempty"`
}
