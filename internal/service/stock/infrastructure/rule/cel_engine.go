// internal/service/stock/infrastructure/rule/cel_engine.go
package rule

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"stocknexus/internal/service/stock/domain/port"
)

// CELRuleEngine 用 CEL 表达式求值仓库准入规则，实现 port.RuleEngine。
// 规则示例：`region == "EU" && available > 10`。
// 编译结果按表达式文本缓存，热路径上只做求值。
type CELRuleEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELRuleEngine() (*CELRuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("warehouse", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("available", cel.IntType),
		cel.Variable("priority", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build CEL environment")
	}
	return &CELRuleEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Eligible 判断仓库是否可参与本次分配。rule 为空一律返回 true。
func (e *CELRuleEngine) Eligible(rule string, fact port.EligibilityFact) (bool, error) {
	if rule == "" {
		return true, nil
	}

	program, err := e.compile(rule)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]interface{}{
		"warehouse": fact.Warehouse,
		"region":    fact.Region,
		"available": fact.Available,
		"priority":  fact.Priority,
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate rule %q", rule)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("rule %q did not evaluate to a boolean", rule)
	}
	return result, nil
}

func (e *CELRuleEngine) compile(rule string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := e.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "failed to compile rule %q", rule)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build program for rule %q", rule)
	}

	e.mu.Lock()
	e.programs[rule] = program
	e.mu.Unlock()
	return program, nil
}
