package transform

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

func parseXML(data []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	// Offsets must match the input bytes, so declared charsets are read as is.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var (
		stack     []*Node
		nodes     []*Node
		root      *Node
		rootStart int
	)

	for {
		start := int(dec.InputOffset())
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				return nil, errorAt(data, int(dec.InputOffset()), "%s", se.Msg)
			}
			return nil, errorAt(data, start, "%v", err)
		}
		end := int(dec.InputOffset())

		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, errorAt(data, start, "content after root element")
			}

			attrs, selfClosing, err := scanTag(data, start, end)
			if err != nil {
				return nil, err
			}
			if len(attrs) != len(t.Attr) {
				return nil, errorAt(data, start, "cannot locate attributes of <%s>", qualifiedName(t.Name))
			}
			for i := range attrs {
				attrs[i].Value = t.Attr[i].Value
			}

			n := &Node{
				Name:         qualifiedName(t.Name),
				Type:         TypeElement,
				Start:        start,
				TagEnd:       end,
				ContentStart: end,
				ContentEnd:   end,
				Attrs:        attrs,
				SelfClosing:  selfClosing,
			}
			if len(stack) == 0 {
				root = n
				rootStart = start
				n.Path = n.Name
			} else {
				parent := stack[len(stack)-1]
				n.Parent = parent
				n.Path = parent.Path + "." + n.Name
				parent.Children = append(parent.Children, n)
			}
			nodes = append(nodes, n)
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errorAt(data, start, "unexpected </%s>", qualifiedName(t.Name))
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if n.SelfClosing && start == end {
				n.End = n.TagEnd
				continue
			}
			if name := qualifiedName(t.Name); name != n.Name {
				return nil, errorAt(data, start, "element <%s> closed by </%s>", n.Name, name)
			}
			n.ContentEnd = start
			n.End = end

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, errorAt(data, start, "text outside root element")
				}
				continue
			}
			stack[len(stack)-1].text += string(t)

		case xml.ProcInst, xml.Comment, xml.Directive:
		}
	}

	if root == nil {
		return nil, errorAt(data, len(data), "no root element")
	}
	if len(stack) > 0 {
		return nil, errorAt(data, len(data), "element <%s> is not closed", stack[len(stack)-1].Name)
	}

	for _, n := range nodes {
		shiftNode(n, -rootStart)
	}

	return &Document{
		header: append([]byte(nil), data[:rootStart]...),
		body:   data[rootStart:],
		root:   root,
		nodes:  nodes,
	}, nil
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func shiftNode(n *Node, delta int) {
	n.Start += delta
	n.End += delta
	n.TagEnd += delta
	n.ContentStart += delta
	n.ContentEnd += delta
	for i := range n.Attrs {
		a := &n.Attrs[i]
		a.Start += delta
		a.End += delta
		a.ValueStart += delta
		a.ValueEnd += delta
	}
}

// scanTag locates the attributes of the start tag data[start:end]. The
// decoder has already checked the tag's syntax.
func scanTag(data []byte, start, end int) ([]Attr, bool, error) {
	i := start + 1
	for i < end && !isXMLSpace(data[i]) && data[i] != '>' && data[i] != '/' {
		i++
	}

	var attrs []Attr
	for {
		attrStart := i
		for i < end && isXMLSpace(data[i]) {
			i++
		}
		if i >= end {
			return nil, false, errorAt(data, start, "unterminated start tag")
		}
		switch data[i] {
		case '>':
			return attrs, false, nil
		case '/':
			return attrs, true, nil
		}

		nameStart := i
		for i < end && data[i] != '=' && !isXMLSpace(data[i]) {
			i++
		}
		name := string(data[nameStart:i])
		for i < end && isXMLSpace(data[i]) {
			i++
		}
		if i >= end || data[i] != '=' {
			return nil, false, errorAt(data, i, "attribute %s has no value", name)
		}
		i++
		for i < end && isXMLSpace(data[i]) {
			i++
		}
		if i >= end || (data[i] != '"' && data[i] != '\'') {
			return nil, false, errorAt(data, i, "attribute %s value is not quoted", name)
		}
		quote := data[i]
		i++
		valueStart := i
		idx := bytes.IndexByte(data[i:end], quote)
		if idx < 0 {
			return nil, false, errorAt(data, valueStart, "unterminated value of attribute %s", name)
		}
		i += idx

		attrs = append(attrs, Attr{
			Name:       name,
			Start:      attrStart,
			End:        i + 1,
			ValueStart: valueStart,
			ValueEnd:   i,
			Quote:      quote,
		})
		i++
	}
}

func isXMLSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	"\n", "&#xA;",
	"\r", "&#xD;",
	"\t", "&#x9;",
)

func escapeText(s string) string { return textEscaper.Replace(s) }

func escapeAttr(s string, quote byte) string {
	s = attrEscaper.Replace(s)
	if quote == '\'' {
		return strings.ReplaceAll(s, "'", "&apos;")
	}
	return strings.ReplaceAll(s, `"`, "&quot;")
}

// textEdit replaces the content of a leaf element. A self-closing element
// is expanded into a start and end tag.
func textEdit(n *Node, value string) edit {
	if n.SelfClosing {
		return edit{start: n.TagEnd - 2, end: n.TagEnd, text: ">" + escapeText(value) + "</" + n.Name + ">"}
	}
	return edit{start: n.ContentStart, end: n.ContentEnd, text: escapeText(value)}
}

func attrEdit(a Attr, value string) edit {
	return edit{start: a.ValueStart, end: a.ValueEnd, text: escapeAttr(value, a.Quote)}
}
