package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// conditions compiles operation conditions once and caches the programs. Expressions
// see the instance configuration as the variable config.
type conditions struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

var sharedConditions = sync.OnceValues(newConditions)

func newConditions() (*conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("config", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &conditions{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *conditions) compile(expression string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, issues.Err())
	}
	p, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition %q: %w", expression, err)
	}
	c.programs[expression] = p
	return p, nil
}

// Evaluate reports whether an operation guarded by expression should run.
// An empty expression always runs.
func (c *conditions) Evaluate(expression string, config map[string]string) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return false, err
	}
	if config == nil {
		config = map[string]string{}
	}
	out, _, err := p.Eval(map[string]any{"config": config})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %v, not a bool", expression, out.Value())
	}
	return result, nil
}
