package domain

import (
	"context"
	"time"
)

// ModelBackend scores transactions and trains models for
// MACHINE_LEARNING rules. Score returns a fraud probability in [0, 1].
type ModelBackend interface {
	Score(ctx context.Context, modelRef string, features map[string]interface{}) (float64, error)

	// Train fits a model on labeled transactions and returns the ref of
	// the stored model.
	Train(ctx context.Context, params Hyperparams, samples []*Transaction) (string, error)

	// Has reports whether a model is registered under ref.
	Has(modelRef string) bool
}

// WindowProvider supplies the historical records a pattern rule counts
// over. The pattern evaluator itself is stateless; the provider owns the
// lookup.
type WindowProvider interface {
	// Window returns transactions whose keyField equals value with
	// timestamps in [until-window, until].
	Window(ctx context.Context, keyField, value string, window time.Duration, until time.Time) ([]*Transaction, error)
}
