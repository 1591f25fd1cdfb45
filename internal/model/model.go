// Package model defines the contract with the underlying text-generation
// capability. The gateway treats it as opaque: plain generation, guided
// generation against a normalized schema, and incremental streaming. Stream
// snapshots are cumulative, not deltas; consumers diff them.
package model

import (
	"context"

	"ondevice-gateway/internal/schema"
)

// Options are the sampling knobs forwarded to the runtime.
type Options struct {
	Temperature     *float64
	TopK            *int
	MaxOutputTokens int
	// Greedy forces deterministic decoding regardless of Temperature.
	// The engine uses it for tool-planning calls.
	Greedy bool
}

// Generator is the generation capability.
type Generator interface {
	// IsAvailable reports whether the runtime can serve requests right now.
	IsAvailable() bool

	// Generate produces the full completion text for prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateStructured produces text constrained at decode time to
	// conform to node.
	GenerateStructured(ctx context.Context, prompt string, node *schema.Node, opts Options) (string, error)

	// StreamGenerate produces cumulative text snapshots on the first
	// channel. The error channel yields at most one value after the
	// snapshot channel is closed; nil means the stream completed.
	StreamGenerate(ctx context.Context, prompt string, opts Options) (<-chan string, <-chan error)
}
