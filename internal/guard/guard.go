// Package guard validates and normalizes candidate SQL text before anything
// is allowed to reach the warehouse. It is a lexical validator, not a SQL
// parser: string literals and comments are masked out, then the statement is
// checked rule by rule. The trade-off (speed and auditability over
// completeness) is deliberate; injection hidden inside string literals or
// encoded identifiers is a documented residual risk.
package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type ReasonCode string

const (
	ReasonMultiStatement       ReasonCode = "MULTI_STATEMENT"
	ReasonNotSelect            ReasonCode = "NOT_SELECT"
	ReasonForbiddenKeyword     ReasonCode = "FORBIDDEN_KEYWORD"
	ReasonPIIColumn            ReasonCode = "PII_COLUMN"
	ReasonLimitExceedsMax      ReasonCode = "LIMIT_EXCEEDS_MAX"
	ReasonMissingLimitAutoFix  ReasonCode = "MISSING_LIMIT_AUTO_FIXED"
	ReasonEmptyQuery           ReasonCode = "EMPTY_QUERY"
	ReasonUnparseable          ReasonCode = "UNPARSEABLE"
)

type Config struct {
	DefaultLimit int
	MaxLimit     int
}

func (c Config) withDefaults() Config {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 500
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 2000
	}
	return c
}

// Verdict is the guard's decision. Accepted verdicts carry the normalized
// SQL and the row limit actually in effect; rejected verdicts carry a reason
// code and message. Info lists informational normalizations that were
// applied (currently only MISSING_LIMIT_AUTO_FIXED).
type Verdict struct {
	Accepted       bool
	NormalizedSQL  string
	EffectiveLimit int
	Reason         ReasonCode
	Message        string
	Info           []ReasonCode
}

func rejected(reason ReasonCode, message string) Verdict {
	return Verdict{Reason: reason, Message: message}
}

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "CREATE", "EXEC", "CALL",
}

var maskedFunctions = map[string]struct{}{
	"LEFT":  {},
	"COUNT": {},
	"SUM":   {},
	"AVG":   {},
	"MIN":   {},
	"MAX":   {},
}

var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// Validate applies the safety rules in order, short-circuiting on the first
// failure: empty input, multiple statements, non-SELECT, forbidden keywords,
// unmasked PII columns, then LIMIT normalization (append the default when
// absent, cap at the configured maximum). Validate is pure; applying it to
// its own accepted output returns the same output.
func Validate(sqlText string, piiColumns map[string]struct{}, cfg Config) Verdict {
	cfg = cfg.withDefaults()

	body := strings.TrimSpace(sqlText)
	if body == "" {
		return rejected(ReasonEmptyQuery, "query is empty")
	}

	// One optional trailing terminator is tolerated and stripped as part
	// of normalization.
	body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	if body == "" {
		return rejected(ReasonEmptyQuery, "query is empty")
	}

	masked, ok := maskLiteralsAndComments(body)
	if !ok {
		return rejected(ReasonUnparseable, "unterminated string literal or comment")
	}

	if strings.Contains(masked, ";") {
		return rejected(ReasonMultiStatement, "multiple statements are not allowed")
	}

	first := firstToken(masked)
	if !strings.EqualFold(first, "SELECT") {
		return rejected(ReasonNotSelect, fmt.Sprintf("query must start with SELECT, got %q", first))
	}

	upperMasked := strings.ToUpper(masked)
	for _, keyword := range forbiddenKeywords {
		if containsWord(upperMasked, keyword) {
			return rejected(ReasonForbiddenKeyword, fmt.Sprintf("forbidden keyword detected: %s", keyword))
		}
	}

	if column, found := findUnmaskedPII(masked, piiColumns); found {
		return rejected(ReasonPIIColumn, fmt.Sprintf("column %q is marked PII and is not aggregated or masked", column))
	}

	verdict := Verdict{Accepted: true, NormalizedSQL: body}
	match := limitPattern.FindStringSubmatchIndex(masked)
	switch {
	case match == nil:
		verdict.NormalizedSQL = body + "\nLIMIT " + strconv.Itoa(cfg.DefaultLimit)
		verdict.EffectiveLimit = cfg.DefaultLimit
		verdict.Info = append(verdict.Info, ReasonMissingLimitAutoFix)
	default:
		value, err := strconv.Atoi(masked[match[2]:match[3]])
		if err != nil {
			return rejected(ReasonUnparseable, "limit value is not a number")
		}
		if value > cfg.MaxLimit {
			// Offsets into the masked text are valid in the original:
			// masking preserves length.
			verdict.NormalizedSQL = body[:match[2]] + strconv.Itoa(cfg.MaxLimit) + body[match[3]:]
			verdict.EffectiveLimit = cfg.MaxLimit
			verdict.Info = append(verdict.Info, ReasonLimitExceedsMax)
		} else {
			verdict.EffectiveLimit = value
		}
	}
	return verdict
}

// maskLiteralsAndComments replaces the contents of single-quoted strings,
// double-quoted identifiers, line comments, and block comments with spaces,
// preserving the overall length so byte offsets still line up with the
// input. Leading comments therefore become whitespace and never count as
// the first token.
func maskLiteralsAndComments(input string) (string, bool) {
	out := []byte(input)
	i := 0
	for i < len(input) {
		switch {
		case input[i] == '\'':
			j := i + 1
			for {
				if j >= len(input) {
					return "", false
				}
				if input[j] == '\'' {
					if j+1 < len(input) && input[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j; k++ {
				out[k] = ' '
			}
			i = j + 1
		case input[i] == '"':
			j := i + 1
			for j < len(input) && input[j] != '"' {
				j++
			}
			if j >= len(input) {
				return "", false
			}
			for k := i + 1; k < j; k++ {
				out[k] = ' '
			}
			i = j + 1
		case strings.HasPrefix(input[i:], "--"):
			j := i
			for j < len(input) && input[j] != '\n' {
				j++
			}
			for k := i; k < j; k++ {
				out[k] = ' '
			}
			i = j
		case strings.HasPrefix(input[i:], "/*"):
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				return "", false
			}
			j := i + 2 + end + 2
			for k := i; k < j; k++ {
				out[k] = ' '
			}
			i = j
		default:
			i++
		}
	}
	return string(out), true
}

func firstToken(masked string) string {
	fields := strings.Fields(masked)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func containsWord(upper, keyword string) bool {
	offset := 0
	for {
		idx := strings.Index(upper[offset:], keyword)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(keyword)
		beforeOK := start == 0 || !isWordByte(upper[start-1])
		afterOK := end == len(upper) || !isWordByte(upper[end])
		if beforeOK && afterOK {
			return true
		}
		offset = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// findUnmaskedPII inspects the select list (best-effort lexical extraction,
// between SELECT and the top-level FROM) and reports the first PII column
// that is selected directly, i.e. not wrapped in an approved masking form
// (LEFT(col, n), COUNT(DISTINCT col), or another aggregate function).
func findUnmaskedPII(masked string, piiColumns map[string]struct{}) (string, bool) {
	if len(piiColumns) == 0 {
		return "", false
	}
	pii := make(map[string]struct{}, len(piiColumns))
	for column := range piiColumns {
		pii[strings.ToLower(column)] = struct{}{}
	}

	selectList := extractSelectList(masked)
	for _, item := range splitTopLevel(selectList) {
		expr := strings.TrimSpace(item)
		if expr == "" || expr == "*" {
			continue
		}
		expr = stripAlias(expr)
		if isApprovedMask(expr) {
			continue
		}
		for _, identifier := range identifiers(expr) {
			if column, found := matchPII(identifier, pii); found {
				return column, true
			}
		}
	}
	return "", false
}

func extractSelectList(masked string) string {
	upper := strings.ToUpper(masked)
	start := strings.Index(upper, "SELECT")
	if start < 0 {
		return ""
	}
	start += len("SELECT")
	depth := 0
	for i := start; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], "FROM") {
			beforeOK := i == 0 || !isWordByte(upper[i-1])
			afterOK := i+4 >= len(upper) || !isWordByte(upper[i+4])
			if beforeOK && afterOK {
				return masked[start:i]
			}
		}
	}
	return masked[start:]
}

func splitTopLevel(list string) []string {
	var items []string
	depth := 0
	start := 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, list[start:i])
				start = i + 1
			}
		}
	}
	items = append(items, list[start:])
	return items
}

func stripAlias(expr string) string {
	upper := strings.ToUpper(expr)
	depth := 0
	for i := 0; i+4 <= len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], " AS ") {
			return strings.TrimSpace(expr[:i])
		}
	}
	return expr
}

func isApprovedMask(expr string) bool {
	name, _, ok := strings.Cut(expr, "(")
	if !ok {
		return false
	}
	_, approved := maskedFunctions[strings.ToUpper(strings.TrimSpace(name))]
	return approved
}

var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.]*`)

func identifiers(expr string) []string {
	return identifierPattern.FindAllString(expr, -1)
}

// matchPII compares case-insensitively against the PII set; entries may be
// fully qualified (table.column), so both the full identifier and its last
// path segment are considered.
func matchPII(identifier string, pii map[string]struct{}) (string, bool) {
	lower := strings.ToLower(identifier)
	if _, found := pii[lower]; found {
		return identifier, true
	}
	if idx := strings.LastIndex(lower, "."); idx >= 0 {
		lower = lower[idx+1:]
		if _, found := pii[lower]; found {
			return identifier, true
		}
	}
	for column := range pii {
		bare := column
		if idx := strings.LastIndex(column, "."); idx >= 0 {
			bare = column[idx+1:]
		}
		if bare == lower {
			return identifier, true
		}
	}
	return "", false
}
