package harness

import (
	"strconv"
	"strings"

	"rye.dev/core/internal/coreerr"
)

// EvalWhen evaluates a hook's when-expression against fields. The grammar is
// deliberately tiny and closed, by design (no code eval, ever): a single
// comparison of the form "<path> <op> <literal>", where path is one of a
// fixed set of dotted field names, op is one of == != > >= < <=, and literal
// is a number, a quoted string, or a bare identifier compared as a string.
// An empty expression always matches (used for unconditional hooks).
func EvalWhen(expr string, fields HookFields) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	op, opIdx := findOperator(expr)
	if op == "" {
		return false, coreerr.New(coreerr.Config, "hook when-expression missing a comparison operator: "+expr)
	}
	lhs := strings.TrimSpace(expr[:opIdx])
	rhs := strings.TrimSpace(expr[opIdx+len(op):])

	lval, lnum, lIsNum, err := resolvePath(lhs, fields)
	if err != nil {
		return false, err
	}
	rval, rnum, rIsNum := literal(rhs)

	if lIsNum && rIsNum {
		return compareNum(lnum, op, rnum), nil
	}
	return compareStr(lval, op, rval), nil
}

func findOperator(expr string) (string, int) {
	// Longer operators must be checked before their single-character
	// prefixes (">=" before ">").
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx != -1 {
			return op, idx
		}
	}
	return "", -1
}

func literal(s string) (str string, num float64, isNum bool) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return s, f, true
	}
	return s, 0, false
}

func resolvePath(path string, fields HookFields) (str string, num float64, isNum bool, err error) {
	switch path {
	case "event":
		return string(fields.Event), 0, false, nil
	case "error_code":
		return fields.ErrorCode, 0, false, nil
	case "exceeded_field":
		return fields.ExceededField, 0, false, nil
	case "token_ratio":
		return "", fields.TokenRatio, true, nil
	case "cost.turns":
		return "", float64(fields.Cost.Turns), true, nil
	case "cost.tokens":
		return "", float64(fields.Cost.Tokens), true, nil
	case "cost.spend":
		return "", fields.Cost.Spend, true, nil
	case "cost.duration":
		return "", float64(fields.Cost.Duration), true, nil
	case "cost.spawns":
		return "", float64(fields.Cost.Spawns), true, nil
	case "limit.turns":
		return "", float64(fields.Limit.Turns), true, nil
	case "limit.tokens":
		return "", float64(fields.Limit.Tokens), true, nil
	case "limit.spend":
		return "", fields.Limit.Spend, true, nil
	case "limit.duration":
		return "", float64(fields.Limit.Duration), true, nil
	case "limit.spawns":
		return "", float64(fields.Limit.Spawns), true, nil
	default:
		return "", 0, false, coreerr.New(coreerr.Config, "unknown hook expression field: "+path)
	}
}

func compareNum(l float64, op string, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	}
	return false
}

func compareStr(l, op, r string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	default:
		return false
	}
}
