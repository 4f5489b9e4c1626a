package services

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/width"

	"github.com/jrenc2002/AIGame-sub000/models"
)

// ErrUnparseable is wrapped by every ParseError.
var ErrUnparseable = errors.New("unparseable model response")

// ParseError carries the original text of a response no strategy could read.
type ParseError struct {
	Raw   string
	Tried []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v after %s", ErrUnparseable, strings.Join(e.Tried, ", "))
}

func (e *ParseError) Unwrap() error { return ErrUnparseable }

// ParseResult is a decision plus which strategy produced it and which fields
// were actually present.
type ParseResult struct {
	Decision models.Decision
	Strategy string
	Present  map[string]bool
}

// Has 字段是否出现在回复中
func (r ParseResult) Has(field string) bool {
	return r.Present[field]
}

// ParseStrategy turns text into a decision or fails. expected lists the
// fields relevant to the in-flight request; a result must contain at least one.
type ParseStrategy struct {
	Name  string
	Parse func(text string, expected []string) (ParseResult, error)
}

var errNoCandidate = errors.New("no candidate object")

// DefaultStrategies is the ordered cascade used by Interpret.
var DefaultStrategies = []ParseStrategy{
	{Name: "direct", Parse: parseDirect},
	{Name: "strip_fence", Parse: parseStrippedFence},
	{Name: "extract_object", Parse: parseExtractedObject},
	{Name: "repair", Parse: parseRepaired},
	{Name: "key_value", Parse: parseKeyValues},
}

// Interpret runs the default cascade over text.
func Interpret(text string, expected []string) (ParseResult, error) {
	return InterpretWith(DefaultStrategies, text, expected)
}

// InterpretWith runs strategies in order and stops at the first success. It
// never panics on malformed input; on total failure it returns a *ParseError
// carrying text.
func InterpretWith(strategies []ParseStrategy, text string, expected []string) (ParseResult, error) {
	if len(expected) == 0 {
		expected = models.DecisionFields
	}
	tried := make([]string, 0, len(strategies))
	for _, s := range strategies {
		res, err := s.Parse(text, expected)
		if err == nil {
			res.Strategy = s.Name
			return res, nil
		}
		tried = append(tried, s.Name)
	}
	return ParseResult{}, &ParseError{Raw: text, Tried: tried}
}

func parseDirect(text string, expected []string) (ParseResult, error) {
	return decodeObject(strings.TrimSpace(text), expected)
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```")

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.Trim(strings.TrimSpace(s), "`")
}

func parseStrippedFence(text string, expected []string) (ParseResult, error) {
	return decodeObject(stripFence(text), expected)
}

func parseExtractedObject(text string, expected []string) (ParseResult, error) {
	candidate, ok := firstBalancedObject(stripFence(text))
	if !ok {
		return ParseResult{}, errNoCandidate
	}
	return decodeObject(candidate, expected)
}

// firstBalancedObject finds the first {...} whose braces balance, ignoring
// braces inside string literals.
func firstBalancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

var (
	smartQuotes     = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'", "：", ":", "，", ",")
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuotedRe  = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	bareValueRe     = regexp.MustCompile(`(:\s*)([A-Za-z\p{Han}][^,"{}\[\]\n]*?)(\s*[,}\n])`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
)

// repairJSON applies heuristic fixes: normalize quotes, quote bare keys and
// bare string values, drop trailing commas.
func repairJSON(s string) string {
	s = smartQuotes.Replace(s)
	if !strings.Contains(s, `"`) {
		s = singleQuotedRe.ReplaceAllStringFunc(s, func(m string) string {
			inner := m[1 : len(m)-1]
			return strconv.Quote(strings.ReplaceAll(inner, `\'`, "'"))
		})
	}
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = bareValueRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := bareValueRe.FindStringSubmatch(m)
		value := strings.TrimSpace(parts[2])
		switch value {
		case "true", "false", "null":
			return m
		}
		return parts[1] + strconv.Quote(value) + parts[3]
	})
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

func parseRepaired(text string, expected []string) (ParseResult, error) {
	s := stripFence(text)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 {
		return ParseResult{}, errNoCandidate
	}
	if end < start {
		// 回复被截断时补齐右括号
		s = s[start:] + "}"
	} else {
		s = s[start : end+1]
	}
	repaired := repairJSON(s)
	if res, err := decodeObject(repaired, expected); err == nil {
		return res, nil
	}
	candidate, ok := firstBalancedObject(repaired)
	if !ok {
		return ParseResult{}, errNoCandidate
	}
	return decodeObject(candidate, expected)
}

// decodeObject accepts candidate only if it is a JSON object containing at
// least one expected key. Nested values are ignored as noise.
func decodeObject(candidate string, expected []string) (ParseResult, error) {
	if candidate == "" || !gjson.Valid(candidate) {
		return ParseResult{}, errNoCandidate
	}
	obj := gjson.Parse(candidate)
	if !obj.IsObject() {
		return ParseResult{}, errNoCandidate
	}

	res := ParseResult{Present: make(map[string]bool)}
	fields := make(map[string]gjson.Result)
	obj.ForEach(func(key, value gjson.Result) bool {
		k := strings.ToLower(strings.TrimSpace(key.String()))
		if _, seen := fields[k]; !seen {
			fields[k] = value
		}
		return true
	})

	for _, name := range models.DecisionFields {
		v, ok := fields[name]
		if !ok || v.IsObject() || v.IsArray() || v.Type == gjson.Null {
			continue
		}
		switch name {
		case models.FieldTarget:
			if s := strings.TrimSpace(v.String()); s != "" {
				res.Decision.Target = s
				res.Present[name] = true
			}
		case models.FieldReasoning:
			res.Decision.Reasoning = v.String()
			res.Present[name] = true
		case models.FieldMessage:
			res.Decision.Message = v.String()
			res.Present[name] = true
		case models.FieldConfidence:
			if f, ok := parseConfidence(v); ok {
				res.Decision.Confidence = f
				res.Present[name] = true
			}
		case models.FieldEmotion:
			e, _ := models.ParseEmotion(v.String())
			res.Decision.Emotion = e
			res.Present[name] = true
		}
	}

	if !anyPresent(res.Present, expected) {
		return ParseResult{}, errNoCandidate
	}
	return res, nil
}

func parseConfidence(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		s := strings.TrimSpace(v.String())
		percent := strings.HasSuffix(s, "%")
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, false
		}
		f = n
		if percent {
			f /= 100
		}
	default:
		return 0, false
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

var kvPatterns = map[string]*regexp.Regexp{
	models.FieldTarget:     regexp.MustCompile(`(?i)["']?\btarget\b["']?\s*(?:[:=]|is)\s*["']?([\p{L}\p{N}_\-]+)`),
	models.FieldReasoning:  regexp.MustCompile(`(?i)["']?\breasoning\b["']?\s*[:=]\s*(?:"((?:[^"\\]|\\.)*)"|([^\n]+))`),
	models.FieldMessage:    regexp.MustCompile(`(?i)["']?\bmessage\b["']?\s*[:=]\s*(?:"((?:[^"\\]|\\.)*)"|([^\n]+))`),
	models.FieldConfidence: regexp.MustCompile(`(?i)["']?\bconfidence\b["']?\s*[:=]\s*["']?([0-9]*\.?[0-9]+%?)`),
	models.FieldEmotion:    regexp.MustCompile(`(?i)["']?\bemotion\b["']?\s*[:=]\s*["']?([a-z]+)`),
}

// parseKeyValues is the last resort: pull each field out of free text.
func parseKeyValues(text string, expected []string) (ParseResult, error) {
	s := smartQuotes.Replace(width.Narrow.String(text))
	res := ParseResult{Present: make(map[string]bool)}

	for _, name := range models.DecisionFields {
		m := kvPatterns[name].FindStringSubmatch(s)
		if m == nil {
			continue
		}
		value := m[1]
		if value == "" && len(m) > 2 {
			value = strings.TrimSpace(m[2])
		}
		if value == "" {
			continue
		}
		switch name {
		case models.FieldTarget:
			res.Decision.Target = value
		case models.FieldReasoning:
			res.Decision.Reasoning = unescape(value)
		case models.FieldMessage:
			res.Decision.Message = unescape(value)
		case models.FieldConfidence:
			f, ok := parseConfidence(gjson.Parse(strconv.Quote(value)))
			if !ok {
				continue
			}
			res.Decision.Confidence = f
		case models.FieldEmotion:
			e, ok := models.ParseEmotion(value)
			if !ok {
				continue
			}
			res.Decision.Emotion = e
		}
		res.Present[name] = true
	}

	if !anyPresent(res.Present, expected) {
		return ParseResult{}, errNoCandidate
	}
	return res, nil
}

func unescape(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

func anyPresent(present map[string]bool, expected []string) bool {
	for _, k := range expected {
		if present[k] {
			return true
		}
	}
	return false
}

func normalizeRef(s string) string {
	s = width.Narrow.String(strings.TrimSpace(s))
	s = strings.Trim(s, `"'.,。!！ `)
	// Caser 有状态，不能跨 goroutine 共享
	return cases.Fold().String(s)
}

// ResolveTarget validates a model-supplied target against the legal set,
// matching by id first and by display name second. Anything else yields
// fallback and false; an unknown id is never accepted.
func ResolveTarget(raw string, legal []models.Player, fallback string) (string, bool) {
	ref := normalizeRef(raw)
	if ref == "" {
		return fallback, false
	}
	for _, p := range legal {
		if p.ID == raw || normalizeRef(p.ID) == ref {
			return p.ID, true
		}
	}
	for _, p := range legal {
		if p.Name != "" && normalizeRef(p.Name) == ref {
			return p.ID, true
		}
	}
	return fallback, false
}
