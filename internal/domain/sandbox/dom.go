package sandbox

import (
	"strings"
)

// NodeType mirrors the DOM's numeric node types
type NodeType int

const (
	ElementNode  NodeType = 1
	TextNode     NodeType = 3
	CommentNode  NodeType = 8
	DocumentNode NodeType = 9
	FragmentNode NodeType = 11
)

// Node is one node of a page's document tree. The tree is only touched
// from the runtime goroutine.
type Node struct {
	Type     NodeType
	Tag      string
	Text     string
	Attrs    map[string]string
	Style    map[string]string
	Children []*Node
	Parent   *Node
}

// Document is a page's tree with the nodes scripts start from
type Document struct {
	Root *Node
	HTML *Node
	Head *Node
	Body *Node
}

// NewDocument creates html, head and body plus the conventional
// <div id="root"> mount point
func NewDocument() *Document {
	d := &Document{Root: &Node{Type: DocumentNode, Tag: "#document"}}
	d.HTML = NewElement("html")
	d.Head = NewElement("head")
	d.Body = NewElement("body")
	d.Root.Append(d.HTML)
	d.HTML.Append(d.Head)
	d.HTML.Append(d.Body)

	mount := NewElement("div")
	mount.Attrs["id"] = "root"
	d.Body.Append(mount)
	return d
}

// NewElement creates a detached element
func NewElement(tag string) *Node {
	return &Node{
		Type:  ElementNode,
		Tag:   strings.ToLower(tag),
		Attrs: make(map[string]string),
		Style: make(map[string]string),
	}
}

// NewText creates a detached text node
func NewText(text string) *Node {
	return &Node{Type: TextNode, Tag: "#text", Text: text}
}

// NodeName is the DOM nodeName: upper-case tag for elements
func (n *Node) NodeName() string {
	if n.Type == ElementNode {
		return strings.ToUpper(n.Tag)
	}
	return n.Tag
}

// Append moves child to the end of n's children. Fragments are unpacked.
func (n *Node) Append(child *Node) {
	n.InsertBefore(child, nil)
}

// InsertBefore moves child in front of ref, or to the end when ref is nil
// or not a child of n
func (n *Node) InsertBefore(child, ref *Node) {
	if child == nil || child == n || child.Contains(n) {
		return
	}
	if child.Type == FragmentNode {
		moved := append([]*Node(nil), child.Children...)
		for _, c := range moved {
			n.InsertBefore(c, ref)
		}
		return
	}

	child.Detach()
	child.Parent = n

	idx := n.indexOf(ref)
	if idx < 0 {
		n.Children = append(n.Children, child)
		return
	}
	n.Children = append(n.Children, nil)
	copy(n.Children[idx+1:], n.Children[idx:])
	n.Children[idx] = child
}

// Detach removes n from its parent
func (n *Node) Detach() {
	if n.Parent == nil {
		return
	}
	p := n.Parent
	if idx := p.indexOf(n); idx >= 0 {
		p.Children = append(p.Children[:idx], p.Children[idx+1:]...)
	}
	n.Parent = nil
}

// Contains reports whether other is n or one of its descendants
func (n *Node) Contains(other *Node) bool {
	for cur := other; cur != nil; cur = cur.Parent {
		if cur == n {
			return true
		}
	}
	return false
}

// Sibling returns the node offset positions away among n's siblings
func (n *Node) Sibling(offset int) *Node {
	if n.Parent == nil {
		return nil
	}
	idx := n.Parent.indexOf(n) + offset
	if idx < 0 || idx >= len(n.Parent.Children) {
		return nil
	}
	return n.Parent.Children[idx]
}

// Elements returns the element children of n
func (n *Node) Elements() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Type == ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// TextContent concatenates descendant text
func (n *Node) TextContent() string {
	if n.Type == TextNode || n.Type == CommentNode {
		return n.Text
	}
	var sb strings.Builder
	for _, c := range n.Children {
		if c.Type != CommentNode {
			sb.WriteString(c.TextContent())
		}
	}
	return sb.String()
}

// SetTextContent replaces n's children with a single text node
func (n *Node) SetTextContent(text string) {
	if n.Type == TextNode || n.Type == CommentNode {
		n.Text = text
		return
	}
	n.Clear()
	if text != "" {
		n.Append(NewText(text))
	}
}

// Clear detaches every child
func (n *Node) Clear() {
	for _, c := range n.Children {
		c.Parent = nil
	}
	n.Children = nil
}

// Clone copies n, and its subtree when deep is set
func (n *Node) Clone(deep bool) *Node {
	c := &Node{Type: n.Type, Tag: n.Tag, Text: n.Text}
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	if n.Style != nil {
		c.Style = make(map[string]string, len(n.Style))
		for k, v := range n.Style {
			c.Style[k] = v
		}
	}
	if deep {
		for _, child := range n.Children {
			c.Append(child.Clone(true))
		}
	}
	return c
}

// Classes splits the class attribute
func (n *Node) Classes() []string {
	return strings.Fields(n.Attrs["class"])
}

// HasClass reports whether n carries class
func (n *Node) HasClass(class string) bool {
	for _, c := range n.Classes() {
		if c == class {
			return true
		}
	}
	return false
}

// Query returns descendants of n matching a simple selector:
// "*", "tag", "#id", ".class" or "tag.class"/"tag#id"
func (n *Node) Query(selector string, first bool) []*Node {
	sel := parseSelector(strings.TrimSpace(selector))
	var out []*Node
	var walk func(*Node) bool
	walk = func(cur *Node) bool {
		for _, c := range cur.Children {
			if c.Type == ElementNode && sel.matches(c) {
				out = append(out, c)
				if first {
					return true
				}
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(n)
	return out
}

// ByID finds the first descendant with the given id
func (n *Node) ByID(id string) *Node {
	if found := n.Query("#"+id, true); len(found) > 0 {
		return found[0]
	}
	return nil
}

func (n *Node) indexOf(child *Node) int {
	if child == nil {
		return -1
	}
	for i, c := range n.Children {
		if c == child {
			return i
		}
	}
	return -1
}

type selector struct {
	tag   string
	id    string
	class string
}

func parseSelector(s string) selector {
	var sel selector
	if i := strings.IndexAny(s, "#."); i >= 0 {
		sel.tag = s[:i]
		if s[i] == '#' {
			sel.id = s[i+1:]
		} else {
			sel.class = s[i+1:]
		}
	} else {
		sel.tag = s
	}
	if sel.tag == "*" {
		sel.tag = ""
	}
	sel.tag = strings.ToLower(sel.tag)
	return sel
}

func (s selector) matches(n *Node) bool {
	if s.tag != "" && n.Tag != s.tag {
		return false
	}
	if s.id != "" && n.Attrs["id"] != s.id {
		return false
	}
	if s.class != "" && !n.HasClass(s.class) {
		return false
	}
	return true
}
