package detect

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Compiler turns MethodSpecs into registry entries backed by CEL
// programs. Expressions see each entity's original features and emit a
// per-entity raw score, min-max normalized within the batch.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a CEL environment with the per-entity variables.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.StringType),
		cel.Variable("f", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("c", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Validate compiles a spec without registering it.
func (c *Compiler) Validate(spec *domain.MethodSpec) error {
	_, err := c.compile(spec)
	return err
}

// Compile turns one spec into a registrable expression method.
func (c *Compiler) Compile(spec *domain.MethodSpec) (*Method, error) {
	program, err := c.compile(spec)
	if err != nil {
		return nil, err
	}

	weight := spec.Weight
	if weight <= 0 {
		weight = 1.0
	}
	threshold := spec.Threshold
	if threshold <= 0 {
		threshold = 0.7
	}

	return &Method{
		Name:      spec.Name,
		Category:  domain.CategoryExpression,
		Kind:      domain.MatrixRaw,
		Weight:    weight,
		Threshold: threshold,
		Normalize: NormalizeMinMax,
		Score:     exprScorer(program),
	}, nil
}

// CompileAll compiles every enabled spec, failing on the first invalid one.
func (c *Compiler) CompileAll(specs []*domain.MethodSpec) ([]*Method, error) {
	methods := make([]*Method, 0, len(specs))
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		m, err := c.Compile(spec)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, nil
}

func (c *Compiler) compile(spec *domain.MethodSpec) (cel.Program, error) {
	if spec == nil || spec.Name == "" {
		return nil, fmt.Errorf("method spec name is required")
	}
	ast, issues := c.env.Compile(spec.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile method %s: %w", spec.Name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("method %s: expression must return bool, int, or double, got %s", spec.Name, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for method %s: %w", spec.Name, err)
	}
	return program, nil
}

// exprScorer evaluates the program once per entity. Evaluation errors
// mark that entity's score as missing rather than failing the method.
func exprScorer(program cel.Program) Scorer {
	return func(_ context.Context, m *domain.MatrixSet, in *Input) (map[domain.EntityID]float64, error) {
		out := make(map[domain.EntityID]float64, len(in.Features))
		for _, fv := range in.Features {
			activation := map[string]any{
				"entity": string(fv.EntityID),
				"f":      numericActivation(fv),
				"c":      categoricalActivation(fv),
			}
			val, _, err := program.Eval(activation)
			if err != nil {
				continue
			}
			out[fv.EntityID] = toScore(val)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("expression produced no defined scores")
		}
		return out, nil
	}
}

func numericActivation(fv domain.FeatureVector) map[string]float64 {
	f := make(map[string]float64, len(fv.Numeric))
	for k, v := range fv.Numeric {
		f[k] = v
	}
	return f
}

func categoricalActivation(fv domain.FeatureVector) map[string]string {
	c := make(map[string]string, len(fv.Categorical))
	for k, v := range fv.Categorical {
		c[k] = v
	}
	return c
}

// toScore converts a CEL value to a numeric raw score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
