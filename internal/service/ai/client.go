package ai

import (
	"context"
	"errors"

	"chatgate/internal/models"
)

// ErrModelResolution is returned when a model selector cannot be turned into
// a usable backend.
var ErrModelResolution = errors.New("model resolution failed")

// TextStream yields text increments of one model reply. Recv returns io.EOF
// once the reply is complete. Close releases the underlying stream and may be
// called at any point.
type TextStream interface {
	Recv() (string, error)
	Close()
}

// Client streams a reply for prompt, given the prior conversation.
type Client interface {
	Stream(ctx context.Context, prompt []models.MessagePart, history models.History) (TextStream, error)
}

// Factory resolves a model selector such as "llama3" or "gemini/gemini-2.5-flash".
type Factory func(ctx context.Context, selector string) (Client, error)
