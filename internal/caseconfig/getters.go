package caseconfig

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/spf13/cast"
)

// maxInterpolationDepth matches the limit of Python's configparser, which
// users of these config files are used to.
const maxInterpolationDepth = 10

// Get returns the merged value with ${section:key} references expanded.
func (c *Config) Get(section, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key = normalizeKey(key)
	v, _, ok := c.raw(section, key)
	if !ok {
		return "", &MissingOptionError{Section: section, Key: key}
	}
	return c.interpolate(section, key, v, 1)
}

// GetRaw returns the merged value without interpolation.
func (c *Config) GetRaw(section, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key = normalizeKey(key)
	v, _, ok := c.raw(section, key)
	if !ok {
		return "", &MissingOptionError{Section: section, Key: key}
	}
	return v, nil
}

// GetDefault returns Get's value, or fallback when the option is missing.
// Interpolation errors are still returned.
func (c *Config) GetDefault(section, key, fallback string) (string, error) {
	v, err := c.Get(section, key)
	if IsMissing(err) {
		return fallback, nil
	}
	return v, err
}

func (c *Config) interpolate(section, key, value string, depth int) (string, error) {
	if !strings.Contains(value, "$") {
		return value, nil
	}

	var b strings.Builder
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch != '$' || i+1 >= len(value) {
			b.WriteByte(ch)
			continue
		}
		switch value[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(value[i+2:], '}')
			if end < 0 {
				return "", &InterpolationError{Section: section, Key: key, Ref: value[i+2:], Reason: "unterminated reference"}
			}
			ref := value[i+2 : i+2+end]
			expanded, err := c.expandRef(section, key, ref, depth)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i += 2 + end
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}

func (c *Config) expandRef(section, key, ref string, depth int) (string, error) {
	if depth > maxInterpolationDepth {
		return "", &InterpolationError{Section: section, Key: key, Ref: ref, Reason: "recursion depth exceeded"}
	}

	refSection, refKey := section, ref
	if idx := strings.IndexByte(ref, ':'); idx >= 0 {
		refSection, refKey = ref[:idx], ref[idx+1:]
	}
	refKey = normalizeKey(refKey)

	v, _, ok := c.raw(refSection, refKey)
	if !ok {
		return "", &InterpolationError{Section: section, Key: key, Ref: ref, Reason: "no such option"}
	}
	return c.interpolate(refSection, refKey, v, depth+1)
}

// GetFloat parses the merged value as a float64.
func (c *Config) GetFloat(section, key string) (float64, error) {
	v, err := c.Get(section, key)
	if err != nil {
		return 0, err
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(v))
	if err != nil {
		return 0, &ParseError{Section: section, Key: key, Value: v, Kind: "float", Err: err}
	}
	return f, nil
}

// GetInt parses the merged value as an int.
func (c *Config) GetInt(section, key string) (int, error) {
	v, err := c.Get(section, key)
	if err != nil {
		return 0, err
	}
	n, err := decimalInt(v)
	if err != nil {
		return 0, &ParseError{Section: section, Key: key, Value: v, Kind: "integer", Err: err}
	}
	return n, nil
}

// GetBool parses the merged value as a boolean. Besides the strconv forms it
// accepts yes/no and on/off.
func (c *Config) GetBool(section, key string) (bool, error) {
	v, err := c.Get(section, key)
	if err != nil {
		return false, err
	}
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := cast.ToBoolE(s)
	if err != nil {
		return false, &ParseError{Section: section, Key: key, Value: v, Kind: "boolean", Err: err}
	}
	return b, nil
}

// GetList splits the merged value on commas and whitespace.
func (c *Config) GetList(section, key string) ([]string, error) {
	v, err := c.Get(section, key)
	if err != nil {
		return nil, err
	}
	return splitList(v), nil
}

// GetIntList parses every element of GetList as an int.
func (c *Config) GetIntList(section, key string) ([]int, error) {
	items, err := c.GetList(section, key)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := decimalInt(item)
		if err != nil {
			return nil, &ParseError{Section: section, Key: key, Value: item, Kind: "integer list element", Err: err}
		}
		out = append(out, n)
	}
	return out, nil
}

// GetFloatList parses every element of GetList as a float64.
func (c *Config) GetFloatList(section, key string) ([]float64, error) {
	items, err := c.GetList(section, key)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, &ParseError{Section: section, Key: key, Value: item, Kind: "float list element", Err: err}
		}
		out = append(out, f)
	}
	return out, nil
}

// decimalInt parses s as a base-10 integer. cast reads a leading zero as
// octal, so zero padding is stripped first: "010" is 10 and "08" is 8.
func decimalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	sign := ""
	if s != "" && (s[0] == '-' || s[0] == '+') {
		sign, s = s[:1], s[1:]
	}
	if trimmed := strings.TrimLeft(s, "0"); trimmed != s {
		if trimmed == "" {
			trimmed = "0"
		}
		s = trimmed
	}
	return cast.ToIntE(sign + s)
}

func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// GetExpression evaluates the merged value as a literal expression: lists,
// tuples, maps, numbers and arithmetic. Tuples come back as []any, like
// lists. True and False are accepted. With numeric set, pi, e and a small
// set of math functions are in scope.
func (c *Config) GetExpression(section, key string, numeric bool) (any, error) {
	v, err := c.Get(section, key)
	if err != nil {
		return nil, err
	}

	env := map[string]any{
		"True":  true,
		"False": false,
	}
	opts := []expr.Option{expr.Env(env)}
	if numeric {
		env["pi"] = math.Pi
		env["e"] = math.E
		opts = append(opts, numericFunctions()...)
	}

	program, err := expr.Compile(tupleLiterals(strings.TrimSpace(v)), opts...)
	if err != nil {
		return nil, &ParseError{Section: section, Key: key, Value: v, Kind: "expression", Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &ParseError{Section: section, Key: key, Value: v, Kind: "expression", Err: err}
	}
	return out, nil
}

// tupleLiterals rewrites tuple syntax into list literals: "(1, 2)", "(x,)",
// "()" and a bare "1, 2" all become lists. Parentheses that group an
// expression or follow a function name are left alone.
func tupleLiterals(src string) string {
	type frame struct {
		open         int
		tuple, comma bool
	}
	out := make([]byte, 0, len(src)+2)
	var stack []frame
	topComma := false

	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch ch {
		case '"', '\'', '`':
			j := i + 1
			for j < len(src) && src[j] != ch {
				if src[j] == '\\' && ch != '`' {
					j++
				}
				j++
			}
			end := min(j+1, len(src))
			out = append(out, src[i:end]...)
			i = end - 1
			continue
		case '(':
			stack = append(stack, frame{open: len(out), tuple: !afterOperand(out)})
		case '[', '{':
			stack = append(stack, frame{open: len(out)})
		case ',':
			if len(stack) == 0 {
				topComma = true
			} else {
				stack[len(stack)-1].comma = true
			}
		case ')', ']', '}':
			if len(stack) == 0 {
				break
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ch == ')' && f.tuple && (f.comma || strings.TrimSpace(string(out[f.open+1:])) == "") {
				out = trimTrailingComma(out, f.open+1)
				out[f.open] = '['
				out = append(out, ']')
				continue
			}
		}
		out = append(out, ch)
	}

	if topComma {
		return "[" + string(trimTrailingComma(out, 0)) + "]"
	}
	return string(out)
}

// afterOperand reports whether the last non-space byte of out ends an
// operand, which makes a following "(" a call.
func afterOperand(out []byte) bool {
	for k := len(out) - 1; k >= 0; k-- {
		c := out[k]
		if c == ' ' || c == '\t' {
			continue
		}
		return c == '_' || c == ')' || c == ']' || c == '}' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	}
	return false
}

// trimTrailingComma drops a comma that is the last non-space byte at or
// after from.
func trimTrailingComma(out []byte, from int) []byte {
	for k := len(out) - 1; k >= from; k-- {
		switch out[k] {
		case ' ', '\t', '\n', '\r':
			continue
		case ',':
			return append(out[:k], out[k+1:]...)
		}
		break
	}
	return out
}

func numericFunctions() []expr.Option {
	unary := func(name string, fn func(float64) float64) expr.Option {
		return expr.Function(name, func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(params))
			}
			x, err := cast.ToFloat64E(params[0])
			if err != nil {
				return nil, err
			}
			return fn(x), nil
		})
	}

	return []expr.Option{
		unary("sqrt", math.Sqrt),
		unary("exp", math.Exp),
		unary("log", math.Log),
		unary("log10", math.Log10),
		unary("sin", math.Sin),
		unary("cos", math.Cos),
		expr.Function("arange", func(params ...any) (any, error) {
			start, stop, step, err := rangeArgs("arange", params)
			if err != nil {
				return nil, err
			}
			if step == 0 {
				return nil, fmt.Errorf("arange step must be non-zero")
			}
			var out []any
			for x := start; (step > 0 && x < stop) || (step < 0 && x > stop); x += step {
				out = append(out, x)
			}
			return out, nil
		}),
		expr.Function("linspace", func(params ...any) (any, error) {
			start, stop, n, err := rangeArgs("linspace", params)
			if err != nil {
				return nil, err
			}
			count := int(n)
			if count < 1 {
				return []any{}, nil
			}
			if count == 1 {
				return []any{start}, nil
			}
			out := make([]any, count)
			for i := 0; i < count; i++ {
				out[i] = start + (stop-start)*float64(i)/float64(count-1)
			}
			return out, nil
		}),
	}
}

func rangeArgs(name string, params []any) (float64, float64, float64, error) {
	if len(params) != 3 {
		return 0, 0, 0, fmt.Errorf("%s expects 3 arguments, got %d", name, len(params))
	}
	var vals [3]float64
	for i, p := range params {
		f, err := cast.ToFloat64E(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%s argument %d: %w", name, i+1, err)
		}
		vals[i] = f
	}
	return vals[0], vals[1], vals[2], nil
}
