// Package enhance holds the content-enhancement collaborator: the interface
// the orchestration core calls, the section prompt builders, and the Gemini
// implementation. The core never retries this call; a failure becomes a
// terminal failed job.
package enhance

import (
	"context"
	"errors"

	"enhancement-service/internal/models"
)

// Classified collaborator errors. The worker captures the message into the
// error result envelope; callers can branch on the class when they need to.
var (
	// ErrServiceError means the upstream model API processed the request
	// and returned an error.
	ErrServiceError = errors.New("enhancement service error")

	// ErrNoResponse means the request was made but no usable response came
	// back.
	ErrNoResponse = errors.New("no response from enhancement service")

	// ErrEnhancementFailed is the generic failure class.
	ErrEnhancementFailed = errors.New("failed to enhance content")
)

// Enhancer produces an enhanced version of a piece of content.
type Enhancer interface {
	Enhance(ctx context.Context, section, content string, contextData map[string]string, parameters map[string]any) (*models.EnhancementResult, error)
}
