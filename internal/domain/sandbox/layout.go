package sandbox

import (
	"math"
	"strconv"
	"strings"
)

// Viewport is the size of the frame the page renders into
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const remSize = 16

// Layout is a minimal block layout: boxes stack vertically, flex rows take
// their tallest child, explicit heights win, text takes one line per line
// break. It exists to report a content height, not to paint.
type Layout struct {
	Viewport   Viewport
	LineHeight float64
}

// replacedHeights are intrinsic heights of elements without content
var replacedHeights = map[string]float64{
	"canvas": 150,
	"iframe": 150,
	"video":  150,
	"svg":    150,
	"img":    0,
	"input":  21,
	"button": 21,
	"select": 21,
	"hr":     2,
	"br":     0,
}

var invisible = map[string]bool{
	"head": true, "script": true, "style": true, "template": true,
	"meta": true, "link": true, "title": true, "noscript": true,
}

// DocumentHeight measures the body's content
func (l Layout) DocumentHeight(doc *Document) float64 {
	return round(l.Outer(doc.Body, l.Viewport.Height))
}

// Outer is n's height including vertical margins. parent is the
// containing block height used for percentages; negative means auto.
func (l Layout) Outer(n *Node, parent float64) float64 {
	switch n.Type {
	case TextNode:
		if strings.TrimSpace(n.Text) == "" {
			return 0
		}
		return float64(strings.Count(strings.TrimRight(n.Text, "\n"), "\n")+1) * l.LineHeight
	case ElementNode, DocumentNode, FragmentNode:
	default:
		return 0
	}
	if invisible[n.Tag] || n.Style["display"] == "none" {
		return 0
	}

	top, bottom := l.edges(n, "margin")
	return l.Box(n, parent) + top + bottom
}

// Box is n's border-box height
func (l Layout) Box(n *Node, parent float64) float64 {
	padTop, padBottom := l.edges(n, "padding")
	borderTop, borderBottom := l.borders(n)
	extra := padTop + padBottom + borderTop + borderBottom

	var h float64
	if v, ok := l.length(n.Style["height"], parent); ok {
		// treat explicit heights as border-box
		h = v
	} else if v, ok := l.intrinsic(n); ok {
		h = v + extra
	} else {
		h = l.content(n, -1) + extra
	}

	if v, ok := l.length(n.Style["minHeight"], parent); ok && h < v {
		h = v
	}
	if v, ok := l.length(n.Style["maxHeight"], parent); ok && h > v {
		h = v
	}
	return math.Max(h, 0)
}

func (l Layout) content(n *Node, parent float64) float64 {
	row := n.Style["display"] == "flex" || n.Style["display"] == "inline-flex"
	if dir := n.Style["flexDirection"]; dir == "column" || dir == "column-reverse" {
		row = false
	}

	var total float64
	for _, c := range n.Children {
		if pos := c.Style["position"]; pos == "absolute" || pos == "fixed" {
			continue
		}
		h := l.Outer(c, parent)
		if row {
			total = math.Max(total, h)
		} else {
			total += h
		}
	}
	return total
}

func (l Layout) intrinsic(n *Node) (float64, bool) {
	h, ok := replacedHeights[n.Tag]
	if !ok {
		return 0, false
	}
	if attr, err := strconv.ParseFloat(n.Attrs["height"], 64); err == nil {
		return attr, true
	}
	return h, true
}

// edges returns the top and bottom of a margin or padding, honouring the
// longhands over the 1-4 value shorthand
func (l Layout) edges(n *Node, prop string) (top, bottom float64) {
	if short := strings.Fields(n.Style[prop]); len(short) > 0 {
		top, _ = l.length(short[0], -1)
		bottom = top
		if len(short) >= 3 {
			bottom, _ = l.length(short[2], -1)
		}
	}
	if v, ok := l.length(n.Style[prop+"Top"], -1); ok {
		top = v
	}
	if v, ok := l.length(n.Style[prop+"Bottom"], -1); ok {
		bottom = v
	}
	return top, bottom
}

func (l Layout) borders(n *Node) (top, bottom float64) {
	width := func(v string) float64 {
		for _, part := range strings.Fields(v) {
			if w, ok := l.length(part, -1); ok {
				return w
			}
		}
		return 0
	}
	top = width(n.Style["border"])
	bottom = top
	if v := n.Style["borderTop"]; v != "" {
		top = width(v)
	}
	if v := n.Style["borderBottom"]; v != "" {
		bottom = width(v)
	}
	return top, bottom
}

// length parses a CSS length. parent resolves percentages; auto and
// unsupported units report false.
func (l Layout) length(v string, parent float64) (float64, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" || v == "auto" {
		return 0, false
	}

	units := []struct {
		suffix string
		scale  float64
	}{
		{"px", 1},
		{"rem", remSize},
		{"em", remSize},
		{"vh", l.Viewport.Height / 100},
		{"vw", l.Viewport.Width / 100},
		{"%", parent / 100},
	}
	for _, u := range units {
		if !strings.HasSuffix(v, u.suffix) {
			continue
		}
		if u.suffix == "%" && parent < 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, u.suffix), 64)
		if err != nil {
			return 0, false
		}
		return f * u.scale, true
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
