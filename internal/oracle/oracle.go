// Package oracle talks to the paid vision classifier.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/store"
)

// ErrTransient marks failures worth retrying later: timeouts, network
// errors, rate limiting and 5xx responses.
var ErrTransient = errors.New("transient oracle failure")

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("oracle request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors and rate limiting.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Answer is one parsed oracle response.
type Answer struct {
	EventType   events.EventType  `json:"event_type"`
	Confidence  events.Confidence `json:"confidence"`
	Description string            `json:"description"`
	Narrative   string            `json:"narrative,omitempty"`
	Raw         string            `json:"-"`
}

// Oracle classifies frames.
type Oracle interface {
	// Classify sends a single frame with a free-form context hint.
	Classify(ctx context.Context, img store.Image, hint string) (Answer, error)
	// ClassifySequence sends several frames of one clip in one call and
	// asks for a chronological narrative.
	ClassifySequence(ctx context.Context, imgs []store.Image, hint string) (Answer, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsRetryable()
}
