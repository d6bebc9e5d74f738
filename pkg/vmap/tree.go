package vmap

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Namespace is the IAB VMAP namespace URI
const Namespace = "http://www.iab.net/videosuite/vmap"

// prefix is what the decoder reports as the namespace when the vmap prefix is
// used without an xmlns declaration
const prefix = "vmap"

// node is one element of a VMAP document. VASTAdData keeps its raw inner XML
// instead of children so the embedded VAST can be handed to the VAST parser.
type node struct {
	space    string
	local    string
	attrs    []xml.Attr
	text     strings.Builder
	inner    string
	children []*node
}

// rank orders candidate elements for a lookup: the VMAP namespace or an
// undeclared vmap prefix first, then any other namespace, then bare names.
// Documents bind the vmap prefix to several different URIs in practice.
func (n *node) rank() int {
	switch {
	case n.space == Namespace || n.space == prefix:
		return 0
	case n.space != "":
		return 1
	default:
		return 2
	}
}

// is reports whether n is the VMAP element name in any namespace or none
func (n *node) is(name string) bool {
	return n.local == name
}

// child returns the child named name, preferring the vmap-prefixed form over
// other namespaces and then over the bare name
func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	var best *node
	for _, c := range n.children {
		if c.local != name {
			continue
		}
		if best == nil || c.rank() < best.rank() {
			best = c
		}
	}
	return best
}

// childrenNamed returns every child named name, prefixed or bare, in document order
func (n *node) childrenNamed(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.is(name) {
			out = append(out, c)
		}
	}
	return out
}

// attr returns the value of the attribute with the given local name
func (n *node) attr(name string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) textValue() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.text.String())
}

// buildTree decodes data into a node tree rooted at the document element
func buildTree(data string) (*node, error) {
	d := xml.NewDecoder(strings.NewReader(data))

	var root *node
	var stack []*node
	attach := func(n *node) {
		if len(stack) == 0 {
			if root == nil {
				root = n
			}
			return
		}
		parent := stack[len(stack)-1]
		parent.children = append(parent.children, n)
	}

	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{space: t.Name.Space, local: t.Name.Local, attrs: t.Attr}
			if n.is("VASTAdData") {
				var raw struct {
					Inner string `xml:",innerxml"`
				}
				if err := d.DecodeElement(&raw, &t); err != nil {
					return nil, err
				}
				n.inner = raw.Inner
				attach(n)
				continue
			}
			attach(n)
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil {
		return nil, errors.New("no root element")
	}
	return root, nil
}
