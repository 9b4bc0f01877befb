// Package mlmodel provides the model backend for MACHINE_LEARNING rules:
// an in-process registry of trained scorers plus a logistic regression
// trainer over labeled transaction history.
package mlmodel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// featureNames is the fixed feature layout models are trained and scored
// on. Order matters; trained weights are positional.
var featureNames = []string{"amount", "hour", "weekend"}

// Registry implements domain.ModelBackend. Models are kept in memory;
// refs are only valid for the lifetime of the process.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*logisticModel
}

type logisticModel struct {
	weights []float64
	bias    float64
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*logisticModel)}
}

// Has reports whether a model is registered under ref.
func (r *Registry) Has(modelRef string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[modelRef]
	return ok
}

// Score returns the fraud probability in [0, 1] for the given features.
func (r *Registry) Score(ctx context.Context, modelRef string, features map[string]interface{}) (float64, error) {
	r.mu.RLock()
	model, ok := r.models[modelRef]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown model ref %q", modelRef)
	}
	return model.predict(featureVector(features)), nil
}

// Train fits a logistic regression on labeled transactions and registers
// the resulting model, returning its ref. Unlabeled transactions are
// skipped.
func (r *Registry) Train(ctx context.Context, params domain.Hyperparams, samples []*domain.Transaction) (string, error) {
	lr := params.LearningRate
	if lr <= 0 {
		lr = 0.1
	}
	epochs := params.Epochs
	if epochs <= 0 {
		epochs = 100
	}

	var (
		xs [][]float64
		ys []float64
	)
	for _, tx := range samples {
		if tx.FraudLabel == nil {
			continue
		}
		xs = append(xs, featureVector(tx.Context()))
		if *tx.FraudLabel {
			ys = append(ys, 1)
		} else {
			ys = append(ys, 0)
		}
	}
	if len(xs) == 0 {
		return "", fmt.Errorf("no labeled samples to train on")
	}

	model := &logisticModel{weights: make([]float64, len(featureNames))}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for i, x := range xs {
			p := model.predict(x)
			grad := p - ys[i]
			for j := range model.weights {
				model.weights[j] -= lr * grad * x[j]
			}
			model.bias -= lr * grad
		}
	}

	ref := "lr-" + uuid.New().String()
	r.mu.Lock()
	r.models[ref] = model
	r.mu.Unlock()
	return ref, nil
}

// Register installs a pre-built scorer under an explicit ref. Used for
// seeding deployments with externally trained weights.
func (r *Registry) Register(ref string, weights []float64, bias float64) error {
	if len(weights) != len(featureNames) {
		return fmt.Errorf("expected %d weights, got %d", len(featureNames), len(weights))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[ref] = &logisticModel{weights: weights, bias: bias}
	return nil
}

func (m *logisticModel) predict(x []float64) float64 {
	z := m.bias
	for i, w := range m.weights {
		if i < len(x) {
			z += w * x[i]
		}
	}
	return 1 / (1 + math.Exp(-z))
}

// featureVector maps a transaction context onto the fixed feature layout.
// Amount is log-scaled so a handful of large transactions cannot swamp
// gradient updates.
func featureVector(features map[string]interface{}) []float64 {
	out := make([]float64, len(featureNames))

	if amount, ok := asFloat(features["amount"]); ok {
		out[0] = math.Log1p(math.Abs(amount)) / 10
	}

	if ts, ok := asFloat(features["timestamp"]); ok {
		t := time.Unix(int64(ts), 0).UTC()
		out[1] = float64(t.Hour()) / 24
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			out[2] = 1
		}
	}

	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
