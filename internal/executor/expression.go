package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/layerbridge"
)

// ExpressionFunctionRegistry holds functions callable from step conditions.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: builtinFunctions()}

// RegisterExpressionFunction makes fn callable from step conditions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns a copy of the registered functions.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	whitelist := make(map[string]govaluate.ExpressionFunction, len(globalExprFuncRegistry.functions))
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
			}
			switch v := args[0].(type) {
			case string:
				return float64(len(v)), nil
			case []interface{}:
				return float64(len(v)), nil
			case map[string]interface{}:
				return float64(len(v)), nil
			case nil:
				return 0.0, nil
			}
			return float64(len(layerbridge.Stringify(args[0]))), nil
		},
		"contains": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
			}
			return strings.Contains(layerbridge.Stringify(args[0]), layerbridge.Stringify(args[1])), nil
		},
		"lower": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("lower expects 1 argument, got %d", len(args))
			}
			return strings.ToLower(layerbridge.Stringify(args[0])), nil
		},
	}
}

// Condition is a compiled step condition.
type Condition struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// CompileCondition parses expr with the registered functions.
func CompileCondition(expr string) (*Condition, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	if err != nil {
		return nil, err
	}
	return &Condition{source: expr, expr: e}, nil
}

// Vars returns the variable names the condition reads.
func (c *Condition) Vars() []string {
	return c.expr.Vars()
}

// Evaluate runs the condition. Non-boolean results are an error.
func (c *Condition) Evaluate(vars map[string]interface{}) (bool, error) {
	v, err := c.expr.Evaluate(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.source, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.source, v)
	}
	return b, nil
}

// ValidateExpression checks that expr parses.
func ValidateExpression(expr string) error {
	_, err := CompileCondition(expr)
	return err
}
