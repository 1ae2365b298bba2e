package rules

import (
	"fmt"
	"strings"
)

// Conditions are data, not code: operators edit them at runtime and the
// engine parses the stored form into a tagged AST once per evaluation.
//
// Grammar: {} (always true), {all: [...]}, {any: [...]}, {not: node} or a
// leaf {field, op, value} with op one of ==,!=,>,>=,<,<=,in,not_in,contains.

type Context map[string]any

type Node interface {
	Eval(ctx Context) bool
}

type alwaysNode struct{}

func (alwaysNode) Eval(Context) bool { return true }

type allNode struct{ children []Node }

func (n allNode) Eval(ctx Context) bool {
	for _, c := range n.children {
		if !c.Eval(ctx) {
			return false
		}
	}
	return true
}

type anyNode struct{ children []Node }

func (n anyNode) Eval(ctx Context) bool {
	for _, c := range n.children {
		if c.Eval(ctx) {
			return true
		}
	}
	return false
}

type notNode struct{ child Node }

func (n notNode) Eval(ctx Context) bool { return !n.child.Eval(ctx) }

type leafNode struct {
	field string
	op    string
	value any
}

func (n leafNode) Eval(ctx Context) bool {
	return compare(resolvePath(n.field, ctx), n.op, n.value)
}

var knownOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"in": true, "not_in": true, "contains": true,
}

// ParseCondition builds the AST from the stored condition spec.
func ParseCondition(spec map[string]any) (Node, error) {
	if len(spec) == 0 {
		return alwaysNode{}, nil
	}
	if raw, ok := spec["all"]; ok {
		children, err := parseList(raw)
		if err != nil {
			return nil, fmt.Errorf("all: %w", err)
		}
		return allNode{children: children}, nil
	}
	if raw, ok := spec["any"]; ok {
		children, err := parseList(raw)
		if err != nil {
			return nil, fmt.Errorf("any: %w", err)
		}
		return anyNode{children: children}, nil
	}
	if raw, ok := spec["not"]; ok {
		childSpec, _ := raw.(map[string]any)
		child, err := ParseCondition(childSpec)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return notNode{child: child}, nil
	}

	field, _ := spec["field"].(string)
	op, _ := spec["op"].(string)
	if field == "" || op == "" {
		return nil, fmt.Errorf("leaf condition needs field and op")
	}
	if !knownOps[op] {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	return leafNode{field: field, op: op, value: spec["value"]}, nil
}

func parseList(raw any) ([]Node, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of conditions")
	}
	nodes := make([]Node, 0, len(items))
	for i, item := range items {
		spec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d is not a condition object", i)
		}
		node, err := ParseCondition(spec)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// resolvePath walks a dotted path through nested maps. A missing segment
// resolves to nil, which fails leaf comparison instead of erroring.
func resolvePath(path string, ctx Context) any {
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			if c, isCtx := current.(Context); isCtx {
				m = map[string]any(c)
			} else {
				return nil
			}
		}
		current = m[part]
		if current == nil {
			return nil
		}
	}
	return current
}

// riskLevelOrder makes the risk vocabulary ordinal, so "risk >= medium"
// compares semantically instead of lexically.
var riskLevelOrder = map[string]float64{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

func normalize(v any) any {
	if s, ok := v.(string); ok {
		if n, found := riskLevelOrder[strings.ToLower(s)]; found {
			return n
		}
	}
	return v
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func equal(left, right any) bool {
	if lf, lok := toNumber(left); lok {
		if rf, rok := toNumber(right); rok {
			return lf == rf
		}
		return false
	}
	return left == right
}

func compare(left any, op string, right any) bool {
	l := normalize(left)
	r := normalize(right)

	switch op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	case ">", ">=", "<", "<=":
		lf, lok := toNumber(l)
		rf, rok := toNumber(r)
		if lok && rok {
			switch op {
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			case "<":
				return lf < rf
			default:
				return lf <= rf
			}
		}
		ls, lsok := l.(string)
		rs, rsok := r.(string)
		if lsok && rsok {
			switch op {
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			case "<":
				return ls < rs
			default:
				return ls <= rs
			}
		}
		return false
	case "in":
		seq, ok := toSequence(r)
		if !ok {
			return false
		}
		for _, item := range seq {
			if equal(l, normalize(item)) {
				return true
			}
		}
		return false
	case "not_in":
		seq, ok := toSequence(r)
		if !ok {
			return true
		}
		for _, item := range seq {
			if equal(l, normalize(item)) {
				return false
			}
		}
		return true
	case "contains":
		if seq, ok := toSequence(l); ok {
			for _, item := range seq {
				if equal(normalize(item), r) {
					return true
				}
			}
			return false
		}
		if ls, ok := l.(string); ok {
			rs, rok := r.(string)
			return rok && strings.Contains(ls, rs)
		}
		return false
	}
	return false
}
