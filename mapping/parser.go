// Package mapping resolves raw handler items into catalog entities using the
// selector and entity template of a resource mapping.
//
// Templates are expr-lang expressions evaluated against the raw item. The
// item fields are exposed both at the top level and under `item`; a leading
// dot is shorthand for `item.` so ".owner.login" reads item.owner.login.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/port-labs/ocean-sub007/core"
)

type ExprParser struct {
	programs sync.Map
}

func NewExprParser() *ExprParser {
	return &ExprParser{}
}

// Parse evaluates the selector and template of mapping against item. When
// the selector excludes the item the identity is still resolved if possible
// so callers can check whether a stale entity exists.
func (p *ExprParser) Parse(_ context.Context, item core.RawItem, mapping core.ResourceMapping) (core.ParseResult, error) {
	env := environment(item)

	matched, err := p.selectorMatches(mapping.Selector.Query, env)
	if err != nil {
		return core.ParseResult{}, fmt.Errorf("mapping: kind %q selector: %w", mapping.Kind, err)
	}

	entity, err := p.resolveEntity(mapping.Entity, env)
	if err != nil {
		if !matched {
			return core.ParseResult{Entity: p.resolveIdentity(mapping.Entity, env), Matched: false}, nil
		}
		return core.ParseResult{}, fmt.Errorf("mapping: kind %q entity: %w", mapping.Kind, err)
	}
	return core.ParseResult{Entity: entity, Matched: matched}, nil
}

// resolveIdentity evaluates only the identifier and blueprint. The returned
// entity is empty when either fails.
func (p *ExprParser) resolveIdentity(template core.EntityTemplate, env map[string]any) core.Entity {
	identifier, err := p.evalString(template.Identifier, env)
	if err != nil || identifier == "" {
		return core.Entity{}
	}
	blueprint, err := p.evalString(template.Blueprint, env)
	if err != nil || blueprint == "" {
		return core.Entity{}
	}
	return core.Entity{Identifier: identifier, Blueprint: blueprint}
}

func (p *ExprParser) selectorMatches(query string, env map[string]any) (bool, error) {
	if strings.TrimSpace(query) == "" {
		return true, nil
	}
	value, err := p.eval(query, env)
	if err != nil {
		return false, err
	}
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("selector returned %T, expected bool", value)
	}
}

func (p *ExprParser) resolveEntity(template core.EntityTemplate, env map[string]any) (core.Entity, error) {
	identifier, err := p.evalString(template.Identifier, env)
	if err != nil {
		return core.Entity{}, fmt.Errorf("identifier: %w", err)
	}
	if identifier == "" {
		return core.Entity{}, fmt.Errorf("identifier resolved empty")
	}
	blueprint, err := p.evalString(template.Blueprint, env)
	if err != nil {
		return core.Entity{}, fmt.Errorf("blueprint: %w", err)
	}
	if blueprint == "" {
		return core.Entity{}, fmt.Errorf("blueprint resolved empty")
	}
	entity := core.Entity{Identifier: identifier, Blueprint: blueprint}

	if strings.TrimSpace(template.Title) != "" {
		if entity.Title, err = p.evalString(template.Title, env); err != nil {
			return core.Entity{}, fmt.Errorf("title: %w", err)
		}
	}
	if len(template.Properties) > 0 {
		entity.Properties = make(map[string]any, len(template.Properties))
		for _, name := range sortedKeys(template.Properties) {
			value, err := p.eval(template.Properties[name], env)
			if err != nil {
				return core.Entity{}, fmt.Errorf("property %q: %w", name, err)
			}
			entity.Properties[name] = value
		}
	}
	if len(template.Relations) > 0 {
		entity.Relations = make(map[string][]string, len(template.Relations))
		for _, name := range sortedKeys(template.Relations) {
			value, err := p.eval(template.Relations[name], env)
			if err != nil {
				return core.Entity{}, fmt.Errorf("relation %q: %w", name, err)
			}
			if targets := relationTargets(value); len(targets) > 0 {
				entity.Relations[name] = targets
			}
		}
	}
	return entity, nil
}

func (p *ExprParser) evalString(code string, env map[string]any) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", nil
	}
	value, err := p.eval(code, env)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return strings.TrimSpace(fmt.Sprint(value)), nil
}

func (p *ExprParser) eval(code string, env map[string]any) (any, error) {
	program, err := p.compile(code)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

func (p *ExprParser) compile(code string) (*vm.Program, error) {
	code = normalizeExpression(code)
	if cached, ok := p.programs.Load(code); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", code, err)
	}
	actual, _ := p.programs.LoadOrStore(code, program)
	return actual.(*vm.Program), nil
}

func normalizeExpression(code string) string {
	code = strings.TrimSpace(code)
	if code == "." {
		return "item"
	}
	if strings.HasPrefix(code, ".") {
		return "item" + code
	}
	return code
}

func environment(item core.RawItem) map[string]any {
	env := make(map[string]any, len(item)+1)
	for key, value := range item {
		env[key] = value
	}
	env["item"] = map[string]any(item)
	return env
}

func relationTargets(value any) []string {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return []string{strings.TrimSpace(typed)}
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if item == nil {
				continue
			}
			if text := strings.TrimSpace(fmt.Sprint(item)); text != "" {
				out = append(out, text)
			}
		}
		return out
	default:
		return []string{strings.TrimSpace(fmt.Sprint(typed))}
	}
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var _ core.EntityParser = (*ExprParser)(nil)
