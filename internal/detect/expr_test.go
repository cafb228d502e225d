package detect

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func exprInput(vectors ...domain.FeatureVector) *Input {
	ids := make([]domain.EntityID, len(vectors))
	rows := make([][]float64, len(vectors))
	for i, fv := range vectors {
		ids[i] = fv.EntityID
		rows[i] = []float64{0}
	}
	return &Input{
		Matrices: map[domain.MatrixKind]*domain.MatrixSet{
			domain.MatrixRaw: {Kind: domain.MatrixRaw, EntityIDs: ids, Columns: []string{"x"}, Rows: rows},
		},
		Features: vectors,
	}
}

func TestCompilerValidate(t *testing.T) {
	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{"BoolExpression", `f["amount"] > 1000.0`, false},
		{"DoubleExpression", `f["amount"] / 100.0`, false},
		{"CategoricalAccess", `c["channel"] == "wire" && f["count"] > 5.0`, false},
		{"SyntaxError", `f["amount" >`, true},
		{"StringResult", `c["channel"]`, true},
		{"UnknownVariable", `tx.amount > 10.0`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compiler.Validate(&domain.MethodSpec{Name: "m", Expression: tt.expression})
			if tt.wantErr && err == nil {
				t.Errorf("expected validation error for %q", tt.expression)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error for %q: %v", tt.expression, err)
			}
		})
	}

	if err := compiler.Validate(nil); err == nil {
		t.Error("expected error for nil spec")
	}
	if err := compiler.Validate(&domain.MethodSpec{Expression: "1.0"}); err == nil {
		t.Error("expected error for unnamed spec")
	}
}

func TestCompileAndScore(t *testing.T) {
	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	m, err := compiler.Compile(&domain.MethodSpec{
		Name:       "high_volume",
		Expression: `f["amount"] > 1000.0 && c["channel"] == "wire"`,
		Weight:     2.0,
		Threshold:  0.8,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if m.Category != domain.CategoryExpression {
		t.Errorf("expected expression category, got %s", m.Category)
	}
	if m.Weight != 2.0 || m.Threshold != 0.8 {
		t.Errorf("spec weight/threshold not carried: %v / %v", m.Weight, m.Threshold)
	}

	in := exprInput(
		domain.FeatureVector{
			EntityID:    "hit",
			Numeric:     map[string]float64{"amount": 5000},
			Categorical: map[string]string{"channel": "wire"},
		},
		domain.FeatureVector{
			EntityID:    "miss",
			Numeric:     map[string]float64{"amount": 50},
			Categorical: map[string]string{"channel": "web"},
		},
	)

	scores, err := m.Score(context.Background(), in.Matrices[domain.MatrixRaw], in)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	if scores["hit"] != 1 {
		t.Errorf("matching entity should score 1, got %v", scores["hit"])
	}
	if scores["miss"] != 0 {
		t.Errorf("non-matching entity should score 0, got %v", scores["miss"])
	}
}

func TestExprEvalErrorsSkipEntity(t *testing.T) {
	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	m, err := compiler.Compile(&domain.MethodSpec{
		Name:       "needs_field",
		Expression: `f["velocity"] > 3.0`,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	in := exprInput(
		domain.FeatureVector{EntityID: "has", Numeric: map[string]float64{"velocity": 9}},
		domain.FeatureVector{EntityID: "lacks", Numeric: map[string]float64{"amount": 1}},
	)

	scores, err := m.Score(context.Background(), in.Matrices[domain.MatrixRaw], in)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	if _, ok := scores["lacks"]; ok {
		t.Error("entity missing the referenced feature must be absent")
	}
	if scores["has"] != 1 {
		t.Errorf("expected 1 for matching entity, got %v", scores["has"])
	}
}

func TestCompileAllSkipsDisabled(t *testing.T) {
	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	specs := []*domain.MethodSpec{
		{Name: "on", Expression: `f["a"] > 1.0`, Enabled: true},
		{Name: "off", Expression: `f["a"] > 2.0`, Enabled: false},
	}
	methods, err := compiler.CompileAll(specs)
	if err != nil {
		t.Fatalf("compile all failed: %v", err)
	}
	if len(methods) != 1 || methods[0].Name != "on" {
		t.Errorf("expected only enabled method, got %d", len(methods))
	}

	specs = append(specs, &domain.MethodSpec{Name: "bad", Expression: `(`, Enabled: true})
	if _, err := compiler.CompileAll(specs); err == nil {
		t.Error("expected error when any enabled spec is invalid")
	}
}

func TestReloadExpressionsPreservesBuiltins(t *testing.T) {
	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins failed: %v", err)
	}
	builtins := registry.Count()

	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}
	first, err := compiler.Compile(&domain.MethodSpec{Name: "expr_a", Expression: `f["a"] > 1.0`, Enabled: true})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	registry.ReloadExpressions([]*Method{first})
	if registry.Count() != builtins+1 {
		t.Fatalf("expected %d methods, got %d", builtins+1, registry.Count())
	}

	// Reload replaces the whole expression set.
	second, err := compiler.Compile(&domain.MethodSpec{Name: "expr_b", Expression: `f["b"] > 1.0`, Enabled: true})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	registry.ReloadExpressions([]*Method{second})
	if registry.Count() != builtins+1 {
		t.Errorf("expected %d methods after reload, got %d", builtins+1, registry.Count())
	}
	if _, ok := registry.Get("expr_a"); ok {
		t.Error("stale expression method should be gone after reload")
	}
	if _, ok := registry.Get("expr_b"); !ok {
		t.Error("reloaded expression method missing")
	}
	if _, ok := registry.Get("zscore_rms"); !ok {
		t.Error("built-in method lost during reload")
	}
}
