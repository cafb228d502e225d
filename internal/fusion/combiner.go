package fusion

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Combiner is a fitted stacking model: logistic regression over the
// per-method score vector. It is supplied to the fuser as a collaborator
// artifact; stacking without one fails explicitly.
type Combiner struct {
	artifact domain.CombinerArtifact
}

// NewCombiner wraps a fitted artifact.
func NewCombiner(a domain.CombinerArtifact) (*Combiner, error) {
	if len(a.Methods) == 0 {
		return nil, fmt.Errorf("combiner artifact names no methods")
	}
	if len(a.Weights) != len(a.Methods) {
		return nil, fmt.Errorf("combiner artifact has %d weights for %d methods", len(a.Weights), len(a.Methods))
	}
	return &Combiner{artifact: a}, nil
}

// LoadCombiner restores a combiner from serialized artifact bytes.
func LoadCombiner(data []byte) (*Combiner, error) {
	var a domain.CombinerArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse combiner artifact: %w", err)
	}
	return NewCombiner(a)
}

// Marshal serializes the fitted artifact.
func (c *Combiner) Marshal() ([]byte, error) {
	return json.Marshal(c.artifact)
}

// Methods returns the fixed input vector ordering.
func (c *Combiner) Methods() []string {
	return c.artifact.Methods
}

// Predict emits one score in [0,1] for a method-score vector aligned
// with Methods.
func (c *Combiner) Predict(x []float64) float64 {
	z := c.artifact.Bias
	for i, w := range c.artifact.Weights {
		if i < len(x) {
			z += w * x[i]
		}
	}
	return sigmoid(z)
}

// FitCombiner trains a logistic combiner by gradient descent on labeled
// score vectors (y in {0,1}). Deterministic: zero initialization, fixed
// epoch count and learning rate.
func FitCombiner(methods []string, samples [][]float64, labels []float64, epochs int, learningRate float64) (*Combiner, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("no methods to fit over")
	}
	if len(samples) == 0 || len(samples) != len(labels) {
		return nil, fmt.Errorf("need equal, non-zero sample and label counts")
	}
	if epochs <= 0 {
		epochs = 200
	}
	if learningRate <= 0 {
		learningRate = 0.1
	}

	weights := make([]float64, len(methods))
	var bias float64
	n := float64(len(samples))

	for epoch := 0; epoch < epochs; epoch++ {
		grad := make([]float64, len(methods))
		var gradBias float64
		for i, x := range samples {
			z := bias
			for j, w := range weights {
				if j < len(x) {
					z += w * x[j]
				}
			}
			err := sigmoid(z) - labels[i]
			for j := range grad {
				if j < len(x) {
					grad[j] += err * x[j]
				}
			}
			gradBias += err
		}
		for j := range weights {
			weights[j] -= learningRate * grad[j] / n
		}
		bias -= learningRate * gradBias / n
	}

	return NewCombiner(domain.CombinerArtifact{
		Methods: methods,
		Weights: weights,
		Bias:    bias,
	})
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
