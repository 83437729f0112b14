// internal/service/reservation/infrastructure/cel_policy.go
package infrastructure

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"stockhold/internal/pkg/logger"
)

// CELHoldPolicy 用 CEL 表达式实现限购规则，表达式的结果是该购物车对该商品允许占用的总量上限。
// 可用变量：cart_id (string)、product_id (string)、requested (int)。例如：
//
//	product_id.startsWith("limited-") ? 1 : requested
//
// 规则来自配置，变化后在下一次调用时重新编译；新规则编译失败时继续使用旧规则。
type CELHoldPolicy struct {
	env  *cel.Env
	rule func() string

	mu      sync.Mutex
	current string
	prg     cel.Program // nil 表示不限购
}

// NewCELHoldPolicy 编译初始规则，失败时返回错误。
func NewCELHoldPolicy(rule func() string) (*CELHoldPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("cart_id", cel.StringType),
		cel.Variable("product_id", cel.StringType),
		cel.Variable("requested", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	p := &CELHoldPolicy{env: env, rule: rule}
	expr := rule()
	prg, err := p.compile(expr)
	if err != nil {
		return nil, err
	}
	p.current, p.prg = expr, prg
	return p, nil
}

func (p *CELHoldPolicy) compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	ast, iss := p.env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile hold limit rule: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.IntType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("hold limit rule must evaluate to int, got %s", out)
	}
	return p.env.Program(ast)
}

func (p *CELHoldPolicy) program(ctx context.Context) cel.Program {
	p.mu.Lock()
	defer p.mu.Unlock()
	if expr := p.rule(); expr != p.current {
		prg, err := p.compile(expr)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("rule", expr).Msg("Invalid hold limit rule, keeping previous one")
		} else {
			p.prg = prg
		}
		p.current = expr
	}
	return p.prg
}

func (p *CELHoldPolicy) Limit(ctx context.Context, cartID, productID string, requested uint) (uint, error) {
	prg := p.program(ctx)
	if prg == nil {
		return requested, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"cart_id":    cartID,
		"product_id": productID,
		"requested":  int64(requested),
	})
	if err != nil {
		return 0, fmt.Errorf("evaluate hold limit rule: %w", err)
	}
	n, ok := out.Value().(int64)
	if !ok {
		return 0, fmt.Errorf("hold limit rule returned %T, want int", out.Value())
	}
	if n < 0 {
		n = 0
	}
	return min(uint(n), requested), nil
}
