package cleanup

import (
	"fmt"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"storestack/pkg/domain"
)

// ExprPredicate evaluates an expr-lang boolean expression per object. The
// environment exposes id, entity, attributes, created_at, updated_at, now
// and age (a time.Duration), plus hours(n) and days(n) helpers.
type ExprPredicate struct {
	expression string
	program    *exprvm.Program
}

// Expr compiles expression.
func Expr(expression string) (*ExprPredicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("cleanup expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(exprEnv(domain.Object{}, time.Time{})),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile cleanup expression %q: %w", expression, err)
	}
	return &ExprPredicate{expression: expression, program: program}, nil
}

// String returns the source expression.
func (e *ExprPredicate) String() string { return e.expression }

// Match implements Predicate.
func (e *ExprPredicate) Match(obj domain.Object, now time.Time) (bool, error) {
	out, err := exprlang.Run(e.program, exprEnv(obj, now))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", e.expression, err)
	}
	match, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: got %T, want bool", e.expression, out)
	}
	return match, nil
}

func exprEnv(obj domain.Object, now time.Time) map[string]any {
	attrs := map[string]any(obj.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"id":         obj.ID,
		"entity":     string(obj.Entity),
		"attributes": attrs,
		"created_at": obj.CreatedAt,
		"updated_at": obj.UpdatedAt,
		"now":        now,
		"age":        now.Sub(obj.CreatedAt),
		"hours":      func(n int) time.Duration { return time.Duration(n) * time.Hour },
		"days":       func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour },
	}
}
