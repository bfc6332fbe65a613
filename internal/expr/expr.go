// Package expr resolves workflow variable references and evaluates edge
// conditions against a run's context.
//
// The grammar is deliberately small: no arithmetic, no function calls, no
// parentheses. Anything more complex is composed from variable_set nodes.
package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Context is the runtime state an expression resolves against.
type Context struct {
	// Variables is the run's mutable key-value map.
	Variables map[string]interface{}
	// Nodes maps a node id to its exposed object, conventionally
	// {"output": {"resources": [...], "variables": {...}}}.
	Nodes map[string]map[string]interface{}
}

// Resolve evaluates a value reference:
//
//	$var.<path>        run variable lookup
//	$node.<id>.<path>  node output lookup
//	$literal.<json>    inline JSON literal
//	anything else      the string itself
//
// Missing path segments resolve to nil (undefined), not an error.
func (c *Context) Resolve(ref string) interface{} {
	switch {
	case strings.HasPrefix(ref, "$var."):
		return walk(c.Variables, parsePath(ref[len("$var."):]))
	case strings.HasPrefix(ref, "$node."):
		segs := parsePath(ref[len("$node."):])
		if len(segs) == 0 {
			return nil
		}
		node, ok := c.Nodes[segs[0].key]
		if !ok || segs[0].index >= 0 {
			return nil
		}
		return walk(node, segs[1:])
	case strings.HasPrefix(ref, "$literal."):
		var v interface{}
		if err := json.Unmarshal([]byte(ref[len("$literal."):]), &v); err != nil {
			return ref[len("$literal."):]
		}
		return v
	default:
		return ref
	}
}

// Evaluate parses and evaluates a boolean condition. Operator precedence,
// lowest first: ||, &&, then one relational from {==, ===, !=, !==, <, <=,
// >, >=}. A missing variable in boolean position is false.
func (c *Context) Evaluate(cond string) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	for _, clause := range strings.Split(cond, "||") {
		if c.evalAnd(clause) {
			return true
		}
	}
	return false
}

func (c *Context) evalAnd(clause string) bool {
	for _, term := range strings.Split(clause, "&&") {
		if !c.evalComparison(term) {
			return false
		}
	}
	return true
}

// relational operators, longest first so "===" wins over "==" and "<=" over "<".
var operators = []string{"===", "!==", "==", "!=", "<=", ">=", "<", ">"}

func (c *Context) evalComparison(term string) bool {
	term = strings.TrimSpace(term)
	for _, op := range operators {
		if idx := indexOperator(term, op); idx >= 0 {
			left := c.operand(term[:idx])
			right := c.operand(term[idx+len(op):])
			return compare(left, right, op)
		}
	}
	return truthy(c.operand(term))
}

// indexOperator finds op outside of quotes, skipping longer-operator
// collisions (e.g. "==" inside "===" was handled by scan order, but "<"
// must not match inside "<=").
func indexOperator(s, op string) int {
	inQuote := byte(0)
	for i := 0; i+len(op) <= len(s); i++ {
		ch := s[i]
		if inQuote != 0 {
			if ch == inQuote {
				inQuote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			inQuote = ch
			continue
		}
		if s[i:i+len(op)] != op {
			continue
		}
		// Reject a shorter operator match embedded in a longer one.
		if (op == "==" || op == "!=") && i+len(op) < len(s) && s[i+len(op)] == '=' {
			continue
		}
		if (op == "<" || op == ">") && i+1 < len(s) && s[i+1] == '=' {
			continue
		}
		if op == "==" && i > 0 && (s[i-1] == '=' || s[i-1] == '!') {
			continue
		}
		return i
	}
	return -1
}

// operand evaluates one side of a comparison: quoted string, number,
// boolean, variable reference or bare string.
func (c *Context) operand(s string) interface{} {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "undefined":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if strings.HasPrefix(s, "$") {
		return c.Resolve(s)
	}
	return s
}

func compare(left, right interface{}, op string) bool {
	switch op {
	case "==", "===":
		return equals(left, right)
	case "!=", "!==":
		return !equals(left, right)
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case "<":
		return lf < rf
	case "<=":
		return lf <= rf
	case ">":
		return lf > rf
	case ">=":
		return lf >= rf
	}
	return false
}

// equals compares numbers numerically and everything else as
// whitespace-stripped strings.
func equals(left, right interface{}) bool {
	if lf, lok := toNumber(left); lok {
		if rf, rok := toNumber(right); rok {
			return lf == rf
		}
	}
	return strings.TrimSpace(stringify(left)) == strings.TrimSpace(stringify(right))
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Path parsing: ident ("." ident | "[" digits "]")*
// ---------------------------------------------------------------------------

type segment struct {
	key   string
	index int // -1 when the segment is a map key
}

func parsePath(path string) []segment {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{key: part[:open], index: -1})
			}
			closeIdx := strings.IndexByte(part[open:], ']')
			if closeIdx < 0 {
				return segs
			}
			idx, err := strconv.Atoi(part[open+1 : open+closeIdx])
			if err != nil {
				return segs
			}
			segs = append(segs, segment{index: idx})
			part = part[open+closeIdx+1:]
		}
	}
	return segs
}

func walk(root interface{}, segs []segment) interface{} {
	cur := root
	for _, seg := range segs {
		switch {
		case seg.index >= 0:
			arr, ok := cur.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil
			}
			cur = arr[seg.index]
		default:
			switch m := cur.(type) {
			case map[string]interface{}:
				var ok bool
				if cur, ok = m[seg.key]; !ok {
					return nil
				}
			default:
				return nil
			}
		}
	}
	return cur
}
