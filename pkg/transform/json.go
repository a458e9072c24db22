package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

func parseJSON(body []byte) (*Document, error) {
	clean, err := blankComments(body)
	if err != nil {
		return nil, err
	}
	if err := fastjson.ValidateBytes(clean); err != nil {
		return nil, err
	}

	s := &jsonScanner{data: clean}
	s.skipSpace()
	root, err := s.value("", "", nil)
	if err != nil {
		return nil, err
	}
	return &Document{body: body, root: root, nodes: s.nodes}, nil
}

// blankComments returns data with // and /* */ comments outside strings
// overwritten by spaces. Line breaks inside comments are kept, so offsets
// and line numbers match the original.
func blankComments(data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte("//")) && !bytes.Contains(data, []byte("/*")) {
		return data, nil
	}

	out := append([]byte(nil), data...)
	inString := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if c != '/' || i+1 >= len(out) {
			continue
		}

		switch out[i+1] {
		case '/':
			for ; i < len(out) && out[i] != '\n' && out[i] != '\r'; i++ {
				out[i] = ' '
			}
		case '*':
			end := bytes.Index(out[i+2:], []byte("*/"))
			if end < 0 {
				return nil, errorAt(data, i, "unterminated comment")
			}
			stop := i + 2 + end + 2
			for ; i < stop; i++ {
				if out[i] != '\n' && out[i] != '\r' {
					out[i] = ' '
				}
			}
			i--
		}
	}
	return out, nil
}

// jsonScanner records the span of every value in a validated document.
type jsonScanner struct {
	data  []byte
	pos   int
	nodes []*Node
}

func (s *jsonScanner) errorf(format string, args ...any) error {
	return errorAt(s.data, s.pos, format, args...)
}

func (s *jsonScanner) peek() byte {
	if s.pos >= len(s.data) {
		return 0
	}
	return s.data[s.pos]
}

func (s *jsonScanner) skipSpace() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}

func (s *jsonScanner) value(name, path string, parent *Node) (*Node, error) {
	n := &Node{Name: name, Path: path, Parent: parent, Start: s.pos}
	s.nodes = append(s.nodes, n)
	if parent != nil {
		parent.Children = append(parent.Children, n)
	}

	var err error
	switch c := s.peek(); {
	case c == '{':
		n.Type = TypeObject
		err = s.object(n)
	case c == '[':
		n.Type = TypeArray
		err = s.array(n)
	case c == '"':
		n.Type = TypeString
		err = s.skipString()
	case c == '-' || (c >= '0' && c <= '9'):
		n.Type = TypeNumber
		s.skipNumber()
	case c == 't':
		n.Type = TypeBool
		err = s.literal("true")
	case c == 'f':
		n.Type = TypeBool
		err = s.literal("false")
	case c == 'n':
		n.Type = TypeNull
		err = s.literal("null")
	case c == 0:
		err = s.errorf("unexpected end of input")
	default:
		err = s.errorf("unexpected character %q", c)
	}
	if err != nil {
		return nil, err
	}

	n.End = s.pos
	return n, nil
}

func (s *jsonScanner) object(n *Node) error {
	s.pos++
	s.skipSpace()
	if s.peek() == '}' {
		s.pos++
		return nil
	}

	for {
		s.skipSpace()
		keyStart := s.pos
		if err := s.skipString(); err != nil {
			return err
		}
		var key string
		if err := json.Unmarshal(s.data[keyStart:s.pos], &key); err != nil {
			return s.errorf("invalid object key: %v", err)
		}

		s.skipSpace()
		if s.peek() != ':' {
			return s.errorf("expected ':' after object key")
		}
		s.pos++
		s.skipSpace()

		if _, err := s.value(key, joinPath(n.Path, key), n); err != nil {
			return err
		}

		s.skipSpace()
		switch s.peek() {
		case ',':
			s.pos++
		case '}':
			s.pos++
			return nil
		default:
			return s.errorf("expected ',' or '}' in object")
		}
	}
}

func (s *jsonScanner) array(n *Node) error {
	s.pos++
	s.skipSpace()
	if s.peek() == ']' {
		s.pos++
		return nil
	}

	for i := 0; ; i++ {
		s.skipSpace()
		name := strconv.Itoa(i)
		if _, err := s.value(name, joinPath(n.Path, name), n); err != nil {
			return err
		}

		s.skipSpace()
		switch s.peek() {
		case ',':
			s.pos++
		case ']':
			s.pos++
			return nil
		default:
			return s.errorf("expected ',' or ']' in array")
		}
	}
}

func (s *jsonScanner) skipString() error {
	if s.peek() != '"' {
		return s.errorf("expected string")
	}
	for i := s.pos + 1; i < len(s.data); i++ {
		switch s.data[i] {
		case '\\':
			i++
		case '"':
			s.pos = i + 1
			return nil
		}
	}
	return s.errorf("unterminated string")
}

func (s *jsonScanner) skipNumber() {
	for s.pos < len(s.data) {
		switch c := s.data[s.pos]; {
		case c >= '0' && c <= '9', c == '-', c == '+', c == '.', c == 'e', c == 'E':
			s.pos++
		default:
			return
		}
	}
}

func (s *jsonScanner) literal(word string) error {
	if !bytes.HasPrefix(s.data[s.pos:], []byte(word)) {
		return s.errorf("expected %s", word)
	}
	s.pos += len(word)
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// jsonReplacement renders value for the node it replaces. A value that
// parses as the node's current type is written raw; anything else becomes
// a JSON string. Objects and arrays are only replaced by objects or arrays.
func jsonReplacement(n *Node, value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	parsed, perr := fastjson.Parse(trimmed)
	parsedAs := func(types ...fastjson.Type) bool {
		if perr != nil {
			return false
		}
		for _, t := range types {
			if parsed.Type() == t {
				return true
			}
		}
		return false
	}

	switch n.Type {
	case TypeNumber:
		if parsedAs(fastjson.TypeNumber) {
			return trimmed, true
		}
	case TypeBool:
		if parsedAs(fastjson.TypeTrue, fastjson.TypeFalse) {
			return trimmed, true
		}
	case TypeNull:
		if parsedAs(fastjson.TypeNull, fastjson.TypeNumber, fastjson.TypeTrue, fastjson.TypeFalse, fastjson.TypeObject, fastjson.TypeArray) {
			return trimmed, true
		}
	case TypeObject, TypeArray:
		if parsedAs(fastjson.TypeObject, fastjson.TypeArray) {
			return trimmed, true
		}
		return "", false
	}
	return quoteJSON(value), true
}

func quoteJSON(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Sprintf("%q", s)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
