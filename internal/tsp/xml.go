package tsp

import (
	"fmt"
	"strings"
)

// element is one node of a broker payload. The grammar is a small subset
// of XML: no escaping, no comments, attribute values in double quotes and
// nested elements found by searching for the first matching end tag.
type element struct {
	name    string
	attrs   map[string]string
	content string
}

// schema lists, per element name, the attributes kept for that level.
// Elements missing from the schema are skipped.
type schema map[string][]string

type syntaxError struct {
	pos int
	msg string
}

func (e *syntaxError) Error() string { return fmt.Sprintf("tsp: payload offset %d: %s", e.pos, e.msg) }

func isBlank(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isNameChar(c byte) bool { return isAlpha(c) || c >= '0' && c <= '9' || c == '_' }

func skipBlanks(s string, pos int) int {
	for pos < len(s) && isBlank(s[pos]) {
		pos++
	}
	return pos
}

// parseElements returns the sibling elements of s that appear in known, in
// document order.
func parseElements(s string, known schema) ([]element, error) {
	var out []element
	pos := 0
	for {
		pos = skipBlanks(s, pos)
		if pos >= len(s) {
			return out, nil
		}
		if s[pos] != '<' {
			return nil, &syntaxError{pos, "expected '<'"}
		}
		pos++
		if pos >= len(s) || !isAlpha(s[pos]) {
			return nil, &syntaxError{pos, "expected element name"}
		}
		start := pos
		for pos < len(s) && isNameChar(s[pos]) {
			pos++
		}
		if pos >= len(s) {
			return nil, &syntaxError{pos, "unterminated element"}
		}
		name := s[start:pos]

		simple := false
		switch s[pos] {
		case '/':
			pos++
			if pos >= len(s) || s[pos] != '>' {
				return nil, &syntaxError{pos, "expected '>'"}
			}
			pos++
			simple = true
		case ' ', '>':
		default:
			return nil, &syntaxError{pos, "bad character after element name"}
		}

		el := element{name: name}
		wanted, isKnown := known[name]
		if !simple {
			var err error
			if isKnown {
				el.attrs, simple, pos, err = parseAttributes(s, pos, wanted)
			} else {
				pos, err = skipTag(s, pos)
			}
			if err != nil {
				return nil, err
			}
		}

		if !simple {
			end := "</" + name + ">"
			idx := strings.Index(s[pos:], end)
			if idx < 0 {
				return nil, &syntaxError{pos, "missing " + end}
			}
			el.content = s[pos : pos+idx]
			pos += idx + len(end)
		}
		if isKnown {
			out = append(out, el)
		}
	}
}

func parseAttributes(s string, pos int, wanted []string) (map[string]string, bool, int, error) {
	attrs := make(map[string]string)
	if s[pos] == ' ' {
		pos++
	}
	pos = skipBlanks(s, pos)
	for pos < len(s) && isAlpha(s[pos]) {
		start := pos
		for pos < len(s) && isNameChar(s[pos]) {
			pos++
		}
		if pos >= len(s) || s[pos] != '=' {
			return nil, false, pos, &syntaxError{pos, "expected '='"}
		}
		name := s[start:pos]
		pos++
		if pos >= len(s) || s[pos] != '"' {
			return nil, false, pos, &syntaxError{pos, "expected '\"'"}
		}
		pos++
		vstart := pos
		for pos < len(s) && !strings.ContainsRune("\n\r>\"", rune(s[pos])) {
			pos++
		}
		if pos >= len(s) || s[pos] != '"' {
			return nil, false, pos, &syntaxError{pos, "unterminated attribute value"}
		}
		for _, w := range wanted {
			if w == name {
				attrs[name] = s[vstart:pos]
			}
		}
		pos = skipBlanks(s, pos+1)
	}
	simple := false
	if pos < len(s) && s[pos] == '/' {
		simple = true
		pos++
	}
	if pos >= len(s) || s[pos] != '>' {
		return nil, false, pos, &syntaxError{pos, "expected '>'"}
	}
	return attrs, simple, pos + 1, nil
}

func skipTag(s string, pos int) (int, error) {
	idx := strings.IndexByte(s[pos:], '>')
	if idx < 0 {
		return pos, &syntaxError{pos, "unterminated element"}
	}
	return pos + idx + 1, nil
}
