package transform

import (
	"fmt"
	"sort"
	"strings"
)

// Substitute returns a copy of doc with vars applied and the number of
// values replaced. doc itself is not modified.
//
// JSON: a variable replaces the value whose dotted path from the root
// equals its name, e.g. "Data.ConnectionString" or "Servers.0.Host".
//
// XML: a variable replaces the value of an element whose key or name
// attribute equals its name (the value or connectionString attribute, or
// the text of a single <value> child). A dotted name "parent.child" also
// replaces the text of elements whose path ends with those names, or the
// "child" attribute of matching "parent" elements.
func Substitute(doc *Document, vars map[string]string) (*Document, int, error) {
	var edits []edit
	switch doc.format {
	case FormatJSON:
		edits = jsonEdits(doc, vars)
	case FormatXML:
		edits = xmlEdits(doc, vars)
	default:
		return nil, 0, fmt.Errorf("unsupported format %q", doc.format)
	}

	out, err := doc.apply(edits)
	if err != nil {
		return nil, 0, fmt.Errorf("apply substitutions: %w", err)
	}
	return out, len(edits), nil
}

// variableNames orders names shallowest first so a variable naming an
// object wins over variables naming its members.
func variableNames(vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := strings.Count(names[i], "."), strings.Count(names[j], ".")
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}

func jsonEdits(doc *Document, vars map[string]string) []edit {
	var set editSet
	for _, name := range variableNames(vars) {
		for _, n := range doc.Lookup(name) {
			if n.Path != name {
				continue
			}
			text, ok := jsonReplacement(n, vars[name])
			if !ok {
				continue
			}
			set.add(edit{start: n.Start, end: n.End, text: text})
		}
	}
	return set.edits
}

func xmlEdits(doc *Document, vars map[string]string) []edit {
	var set editSet
	for _, name := range variableNames(vars) {
		value := vars[name]

		for _, n := range doc.nodes {
			if e, ok := keyedEdit(n, name, value); ok {
				set.add(e)
			}
		}

		if !strings.Contains(name, ".") {
			continue
		}

		matched := false
		for _, n := range doc.nodes {
			if n.IsLeaf() && pathEndsWith(n.Path, name) {
				matched = set.add(textEdit(n, value)) || matched
			}
		}
		if matched {
			continue
		}

		idx := strings.LastIndexByte(name, '.')
		parent, attr := name[:idx], name[idx+1:]
		for _, n := range doc.nodes {
			if !pathEndsWith(n.Path, parent) {
				continue
			}
			if a, ok := n.Attr(attr); ok {
				set.add(attrEdit(a, value))
			}
		}
	}
	return set.edits
}

// keyedSections are the elements whose descendants are matched by their
// key or name attribute.
var keyedSections = map[string]bool{
	"appSettings":         true,
	"connectionStrings":   true,
	"configSections":      true,
	"applicationSettings": true,
}

func inKeyedSection(n *Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if keyedSections[p.Name] {
			return true
		}
	}
	return false
}

// keyedEdit handles <add key="name" value="..."/>, connection string
// entries and applicationSettings <setting name="name"><value>...</value>.
// Elements outside keyedSections are left to the path rules.
func keyedEdit(n *Node, name, value string) (edit, bool) {
	if !inKeyedSection(n) {
		return edit{}, false
	}
	a, ok := n.Attr("key")
	if !ok || a.Value != name {
		a, ok = n.Attr("name")
		if !ok || a.Value != name {
			return edit{}, false
		}
	}

	if v, ok := n.Attr("value"); ok {
		return attrEdit(v, value), true
	}
	if v, ok := n.Attr("connectionString"); ok {
		return attrEdit(v, value), true
	}

	var valueChild *Node
	for _, c := range n.Children {
		if c.Name != "value" {
			continue
		}
		if valueChild != nil {
			return edit{}, false
		}
		valueChild = c
	}
	if valueChild == nil || !valueChild.IsLeaf() {
		return edit{}, false
	}
	return textEdit(valueChild, value), true
}

// pathEndsWith reports whether the dotted path ends with the dotted
// suffix on a name boundary.
func pathEndsWith(path, suffix string) bool {
	return path == suffix || strings.HasSuffix(path, "."+suffix)
}

// editSet collects non-overlapping edits; the first edit to claim a span
// wins.
type editSet struct {
	edits []edit
}

func (s *editSet) add(e edit) bool {
	for _, x := range s.edits {
		if e.start < x.end && x.start < e.end {
			return false
		}
		if e.start == x.start && e.end == x.end {
			return false
		}
	}
	s.edits = append(s.edits, e)
	return true
}
