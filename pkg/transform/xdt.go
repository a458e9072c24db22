package transform

import (
	"fmt"
	"strings"
)

// XDTNamespace is the XML namespace of transform attributes.
const XDTNamespace = "http://schemas.microsoft.com/XML-Document-Transform"

// Transform verbs.
const (
	VerbReplace          = "Replace"
	VerbRemove           = "Remove"
	VerbRemoveAll        = "RemoveAll"
	VerbInsert           = "Insert"
	VerbInsertIfMissing  = "InsertIfMissing"
	VerbSetAttributes    = "SetAttributes"
	VerbRemoveAttributes = "RemoveAttributes"
)

// xdtOp is one element of the transform document carrying a Transform
// attribute. chain is the path of transform elements below the root that
// leads to it, each of which may narrow the selection with a Locator.
type xdtOp struct {
	verb  string
	args  []string
	el    *Node
	chain []*Node
}

type xdtApplier struct {
	transform *Document
	prefixes  map[string]bool
	locators  map[*Node][]string
}

// ApplyXDT applies an XDT transform document to target and returns the
// result. Elements are selected by their name path from the root, narrowed
// by Locator="Match(attr,...)". Bytes outside the transformed elements are
// kept as they were.
func ApplyXDT(target, transform *Document) (*Document, error) {
	if target.format != FormatXML || transform.format != FormatXML {
		return nil, fmt.Errorf("xdt transforms apply to xml documents only")
	}

	x := &xdtApplier{
		transform: transform,
		prefixes:  xdtPrefixes(transform),
		locators:  make(map[*Node][]string),
	}
	if len(x.prefixes) == 0 {
		return target, nil
	}
	if transform.root.Name != target.root.Name {
		return nil, fmt.Errorf("transform root <%s> does not match document root <%s>", transform.root.Name, target.root.Name)
	}

	ops, err := x.collect(transform.root, nil)
	if err != nil {
		return nil, err
	}

	doc := target
	for _, op := range ops {
		edits, err := x.edits(doc, op)
		if err != nil {
			return nil, err
		}
		if doc, err = doc.apply(edits); err != nil {
			return nil, fmt.Errorf("apply %s on <%s>: %w", op.verb, op.el.Name, err)
		}
	}
	return doc, nil
}

// OpCount returns the number of transform operations in an XDT document.
func OpCount(transform *Document) (int, error) {
	x := &xdtApplier{
		transform: transform,
		prefixes:  xdtPrefixes(transform),
		locators:  make(map[*Node][]string),
	}
	if len(x.prefixes) == 0 {
		return 0, nil
	}
	ops, err := x.collect(transform.root, nil)
	return len(ops), err
}

func xdtPrefixes(doc *Document) map[string]bool {
	prefixes := make(map[string]bool)
	for _, n := range doc.nodes {
		for _, a := range n.Attrs {
			if strings.HasPrefix(a.Name, "xmlns:") && a.Value == XDTNamespace {
				prefixes[strings.TrimPrefix(a.Name, "xmlns:")] = true
			}
		}
	}
	return prefixes
}

func (x *xdtApplier) isXDTAttr(a Attr) bool {
	prefix, local, ok := strings.Cut(a.Name, ":")
	if !ok {
		return false
	}
	return x.prefixes[prefix] || (prefix == "xmlns" && x.prefixes[local])
}

func (x *xdtApplier) attr(n *Node, local string) (string, bool) {
	for p := range x.prefixes {
		if a, ok := n.Attr(p + ":" + local); ok {
			return a.Value, true
		}
	}
	return "", false
}

func (x *xdtApplier) collect(parent *Node, chain []*Node) ([]xdtOp, error) {
	var ops []xdtOp
	for _, el := range parent.Children {
		path := append(append([]*Node(nil), chain...), el)

		if loc, ok := x.attr(el, "Locator"); ok {
			name, args, err := parseCall(loc)
			if err != nil {
				return nil, fmt.Errorf("<%s>: %w", el.Name, err)
			}
			if name != "Match" {
				return nil, fmt.Errorf("<%s>: unsupported locator %q", el.Name, name)
			}
			if len(args) == 0 {
				return nil, fmt.Errorf("<%s>: Match locator needs at least one attribute", el.Name)
			}
			x.locators[el] = args
		}

		verb, args := "", []string(nil)
		if t, ok := x.attr(el, "Transform"); ok {
			var err error
			if verb, args, err = parseCall(t); err != nil {
				return nil, fmt.Errorf("<%s>: %w", el.Name, err)
			}
		}

		switch verb {
		case "":
		case VerbReplace, VerbRemove, VerbRemoveAll, VerbInsert, VerbInsertIfMissing:
			ops = append(ops, xdtOp{verb: verb, args: args, el: el, chain: path})
			continue
		case VerbSetAttributes:
			ops = append(ops, xdtOp{verb: verb, args: args, el: el, chain: path})
		case VerbRemoveAttributes:
			if len(args) == 0 {
				return nil, fmt.Errorf("<%s>: RemoveAttributes needs at least one attribute", el.Name)
			}
			ops = append(ops, xdtOp{verb: verb, args: args, el: el, chain: path})
		default:
			return nil, fmt.Errorf("<%s>: unsupported transform %q", el.Name, verb)
		}

		nested, err := x.collect(el, path)
		if err != nil {
			return nil, err
		}
		ops = append(ops, nested...)
	}
	return ops, nil
}

// parseCall splits "Name(a, b)" into its name and arguments.
func parseCall(s string) (string, []string, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, nil, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("malformed %q", s)
	}

	var args []string
	for _, a := range strings.Split(s[open+1:len(s)-1], ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return strings.TrimSpace(s[:open]), args, nil
}

// selectIn walks op's chain through doc. It returns the elements the last
// step searched in and the elements it matched.
func (x *xdtApplier) selectIn(doc *Document, chain []*Node) (parents, matched []*Node) {
	matched = []*Node{doc.root}
	for _, t := range chain {
		parents = matched
		matched = nil
		for _, p := range parents {
			for _, c := range p.Children {
				if c.Name == t.Name && x.locatorMatches(t, c) {
					matched = append(matched, c)
				}
			}
		}
	}
	return parents, matched
}

func (x *xdtApplier) locatorMatches(t, candidate *Node) bool {
	for _, name := range x.locators[t] {
		want, ok := t.Attr(name)
		if !ok {
			return false
		}
		got, ok := candidate.Attr(name)
		if !ok || got.Value != want.Value {
			return false
		}
	}
	return true
}

func (x *xdtApplier) edits(doc *Document, op xdtOp) ([]edit, error) {
	parents, matched := x.selectIn(doc, op.chain)

	switch op.verb {
	case VerbReplace:
		if len(matched) == 0 {
			return nil, nil
		}
		m := matched[0]
		return []edit{{start: m.Start, end: m.End, text: x.stripped(op.el)}}, nil

	case VerbRemove:
		if len(matched) == 0 {
			return nil, nil
		}
		return []edit{removalEdit(doc.body, matched[0])}, nil

	case VerbRemoveAll:
		edits := make([]edit, 0, len(matched))
		for _, m := range matched {
			edits = append(edits, removalEdit(doc.body, m))
		}
		return edits, nil

	case VerbInsert:
		text := x.stripped(op.el)
		edits := make([]edit, 0, len(parents))
		for _, p := range parents {
			edits = append(edits, insertEdit(doc.body, p, text))
		}
		return edits, nil

	case VerbInsertIfMissing:
		present := make(map[*Node]bool, len(matched))
		for _, m := range matched {
			present[m.Parent] = true
		}
		text := x.stripped(op.el)
		var edits []edit
		for _, p := range parents {
			if !present[p] {
				edits = append(edits, insertEdit(doc.body, p, text))
			}
		}
		return edits, nil

	case VerbSetAttributes:
		names := op.args
		if len(names) == 0 {
			for _, a := range op.el.Attrs {
				if !x.isXDTAttr(a) && !strings.HasPrefix(a.Name, "xmlns") {
					names = append(names, a.Name)
				}
			}
		}
		var edits []edit
		for _, m := range matched {
			for _, name := range names {
				src, ok := op.el.Attr(name)
				if !ok {
					continue
				}
				if a, ok := m.Attr(name); ok {
					edits = append(edits, attrEdit(a, src.Value))
					continue
				}
				pos := attrInsertPos(m)
				edits = append(edits, edit{start: pos, end: pos, text: " " + name + `="` + escapeAttr(src.Value, '"') + `"`})
			}
		}
		return edits, nil

	case VerbRemoveAttributes:
		var edits []edit
		for _, m := range matched {
			for _, name := range op.args {
				if a, ok := m.Attr(name); ok {
					edits = append(edits, edit{start: a.Start, end: a.End})
				}
			}
		}
		return edits, nil
	}
	return nil, fmt.Errorf("unsupported transform %q", op.verb)
}

// stripped returns the source of a transform element without its xdt
// attributes and namespace declarations.
func (x *xdtApplier) stripped(el *Node) string {
	var cuts []edit
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, a := range n.Attrs {
			if x.isXDTAttr(a) {
				cuts = append(cuts, edit{start: a.Start - el.Start, end: a.End - el.Start})
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(el)

	out, err := applyEdits(x.transform.body[el.Start:el.End], cuts)
	if err != nil {
		return string(x.transform.body[el.Start:el.End])
	}
	return string(out)
}

func attrInsertPos(n *Node) int {
	if len(n.Attrs) > 0 {
		return n.Attrs[len(n.Attrs)-1].End
	}
	return n.Start + 1 + len(n.Name)
}

// removalEdit deletes n together with the indentation and line break
// before it when n starts its own line.
func removalEdit(body []byte, n *Node) edit {
	start := n.Start
	i := start
	for i > 0 && (body[i-1] == ' ' || body[i-1] == '\t') {
		i--
	}
	if i > 0 && body[i-1] == '\n' {
		i--
		if i > 0 && body[i-1] == '\r' {
			i--
		}
		start = i
	}
	return edit{start: start, end: n.End}
}

// insertEdit appends text as the last child of p, indented like p's
// existing last child.
func insertEdit(body []byte, p *Node, text string) edit {
	if p.SelfClosing {
		return edit{start: p.TagEnd - 2, end: p.TagEnd, text: ">" + text + "</" + p.Name + ">"}
	}
	if n := len(p.Children); n > 0 {
		last := p.Children[n-1]
		return edit{start: last.End, end: last.End, text: lineBreakBefore(body, last.Start) + text}
	}
	return edit{start: p.ContentEnd, end: p.ContentEnd, text: text}
}

// lineBreakBefore returns the line break and indentation preceding pos, or
// "" when pos does not start a line.
func lineBreakBefore(body []byte, pos int) string {
	i := pos
	for i > 0 && (body[i-1] == ' ' || body[i-1] == '\t') {
		i--
	}
	if i == 0 || body[i-1] != '\n' {
		return ""
	}
	indent := string(body[i:pos])
	if i > 1 && body[i-2] == '\r' {
		return "\r\n" + indent
	}
	return "\n" + indent
}
