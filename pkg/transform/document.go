// Package transform edits JSON and XML configuration files in place.
//
// Documents are parsed into a flat node list that records the byte span of
// every value, element and attribute. Substitution and XDT transforms are
// computed as span edits on the original bytes, so everything outside the
// edited spans is written back exactly as it was read.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/taskcore/pkg/taskerr"
)

// Format is a document syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ValueType is the JSON type of a node. XML nodes are always TypeElement.
type ValueType int

const (
	TypeString ValueType = iota
	TypeNumber
	TypeBool
	TypeNull
	TypeObject
	TypeArray
	TypeElement
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeNull:
		return "null"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeElement:
		return "element"
	default:
		return fmt.Sprintf("ValueType(%d)", int(t))
	}
}

// Attr is an XML attribute with the span of its value.
type Attr struct {
	Name  string
	Value string

	// Start..End covers the whitespace before the name through the closing
	// quote. ValueStart..ValueEnd covers the raw value between the quotes.
	Start, End           int
	ValueStart, ValueEnd int
	Quote                byte
}

// Node is a JSON member or array element, or an XML element. Offsets are
// relative to the document body.
type Node struct {
	// Name is the JSON key (array index for elements) or the qualified XML
	// element name.
	Name string
	// Path joins the names from the root with dots. The root itself has an
	// empty path in JSON and its element name in XML.
	Path string
	Type ValueType

	// Start..End covers the JSON value or the whole XML element.
	Start, End int

	Parent   *Node
	Children []*Node

	// XML only. Content spans ContentStart..ContentEnd between the start and
	// end tags; both equal TagEnd for self-closing elements.
	Attrs        []Attr
	TagEnd       int
	ContentStart int
	ContentEnd   int
	SelfClosing  bool
	text         string
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (Attr, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

// Text returns the decoded character data directly inside an XML element.
func (n *Node) Text() string { return n.text }

// IsLeaf reports whether a JSON node is a scalar or an XML element has no
// child elements.
func (n *Node) IsLeaf() bool {
	if n.Type == TypeElement {
		return len(n.Children) == 0
	}
	return n.Type != TypeObject && n.Type != TypeArray
}

// Document is a parsed configuration file.
type Document struct {
	format Format
	header []byte
	body   []byte
	root   *Node
	nodes  []*Node
	index  map[string][]*Node
}

// Parse parses content as format. Unparseable input yields a
// MalformedDocument error.
func Parse(content []byte, format Format) (*Document, error) {
	var header []byte
	body := content
	if bytes.HasPrefix(body, utf8BOM) {
		header = utf8BOM
		body = body[len(utf8BOM):]
	}

	var (
		doc *Document
		err error
	)
	switch format {
	case FormatJSON:
		doc, err = parseJSON(body)
	case FormatXML:
		doc, err = parseXML(body)
	default:
		return nil, taskerr.NewMalformedDocumentError("", string(format), fmt.Errorf("unsupported format %q", format))
	}
	if err != nil {
		return nil, malformed(format, err)
	}

	doc.format = format
	if len(header) > 0 {
		doc.header = append(append([]byte{}, header...), doc.header...)
	}
	doc.buildIndex()
	return doc, nil
}

// DetectFormat picks a format from the file extension, falling back to the
// first significant byte of content.
func DetectFormat(path string, content []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".xml", ".config":
		return FormatXML, nil
	}

	trimmed := bytes.TrimLeft(bytes.TrimPrefix(content, utf8BOM), " \t\r\n")
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '{', '[':
			return FormatJSON, nil
		case '<':
			return FormatXML, nil
		}
	}
	return "", fmt.Errorf("cannot determine document format of %s", path)
}

// Format returns the document syntax.
func (d *Document) Format() Format { return d.format }

// Header returns the bytes before the body: a UTF-8 BOM and, for XML, the
// prolog before the root element.
func (d *Document) Header() []byte { return d.header }

// Body returns the document body.
func (d *Document) Body() []byte { return d.body }

// Root returns the top-level value or root element.
func (d *Document) Root() *Node { return d.root }

// Nodes returns every node in document order.
func (d *Document) Nodes() []*Node { return d.nodes }

// Lookup returns the nodes whose name or path equals name, in document
// order.
func (d *Document) Lookup(name string) []*Node { return d.index[name] }

// Serialize returns header followed by body.
func Serialize(d *Document) []byte {
	out := make([]byte, 0, len(d.header)+len(d.body))
	out = append(out, d.header...)
	return append(out, d.body...)
}

func (d *Document) buildIndex() {
	d.index = make(map[string][]*Node)
	for _, n := range d.nodes {
		if n.Name != "" {
			d.index[n.Name] = append(d.index[n.Name], n)
		}
		if n.Path != "" && n.Path != n.Name {
			d.index[n.Path] = append(d.index[n.Path], n)
		}
	}
}

// edit replaces body[start:end] with text.
type edit struct {
	start, end int
	text       string
}

// apply returns a new document with edits applied to the body and
// re-parsed. Overlapping edits are an error.
func (d *Document) apply(edits []edit) (*Document, error) {
	if len(edits) == 0 {
		return d, nil
	}

	body, err := applyEdits(d.body, edits)
	if err != nil {
		return nil, err
	}
	content := append(append([]byte{}, d.header...), body...)
	return Parse(content, d.format)
}

func applyEdits(data []byte, edits []edit) ([]byte, error) {
	sorted := append([]edit(nil), edits...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	var b bytes.Buffer
	b.Grow(len(data))
	pos := 0
	for _, e := range sorted {
		if e.start < pos || e.end < e.start || e.end > len(data) {
			return nil, fmt.Errorf("invalid edit at offset %d", e.start)
		}
		b.Write(data[pos:e.start])
		b.WriteString(e.text)
		pos = e.end
	}
	b.Write(data[pos:])
	return b.Bytes(), nil
}

func malformed(format Format, err error) error {
	te := taskerr.NewMalformedDocumentError("", string(format), err)
	var pe *parseError
	if errors.As(err, &pe) {
		te.Line, te.Column = pe.line, pe.col
	}
	return te
}

// parseError carries the position of a syntax error.
type parseError struct {
	line, col int
	msg       string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.line, e.col, e.msg)
}

func errorAt(data []byte, offset int, format string, args ...any) *parseError {
	if offset > len(data) {
		offset = len(data)
	}
	line := 1 + bytes.Count(data[:offset], []byte{'\n'})
	col := offset - bytes.LastIndexByte(data[:offset], '\n')
	return &parseError{line: line, col: col, msg: fmt.Sprintf(format, args...)}
}
