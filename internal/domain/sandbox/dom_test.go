package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tags(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Tag
	}
	return out
}

func TestInsertBefore(t *testing.T) {
	parent := NewElement("ul")
	a, b, c := NewElement("a"), NewElement("b"), NewElement("c")

	parent.Append(a)
	parent.Append(c)
	parent.InsertBefore(b, c)
	assert.Equal(t, []string{"a", "b", "c"}, tags(parent.Children))
	assert.Same(t, parent, b.Parent)

	// moving an attached node detaches it first
	parent.Append(a)
	assert.Equal(t, []string{"b", "c", "a"}, tags(parent.Children))

	// unknown reference appends
	parent.InsertBefore(NewElement("d"), NewElement("x"))
	assert.Equal(t, []string{"b", "c", "a", "d"}, tags(parent.Children))
}

func TestFragmentsAreUnpacked(t *testing.T) {
	frag := &Node{Type: FragmentNode, Tag: "#document-fragment"}
	frag.Append(NewElement("i"))
	frag.Append(NewElement("j"))

	parent := NewElement("div")
	parent.Append(frag)
	assert.Equal(t, []string{"i", "j"}, tags(parent.Children))
	assert.Empty(t, frag.Children)
}

func TestCyclesAreRefused(t *testing.T) {
	outer := NewElement("div")
	inner := NewElement("span")
	outer.Append(inner)

	inner.Append(outer)
	assert.Nil(t, outer.Parent)
	assert.Empty(t, inner.Children)
	assert.True(t, outer.Contains(inner))
	assert.False(t, inner.Contains(outer))
}

func TestTextContent(t *testing.T) {
	p := NewElement("p")
	p.Append(NewText("hello "))
	b := NewElement("b")
	b.Append(NewText("world"))
	p.Append(b)
	p.Append(&Node{Type: CommentNode, Tag: "#comment", Text: "ignored"})
	assert.Equal(t, "hello world", p.TextContent())

	p.SetTextContent("plain")
	require.Len(t, p.Children, 1)
	assert.Equal(t, "plain", p.TextContent())
	assert.Nil(t, b.Parent)

	p.SetTextContent("")
	assert.Empty(t, p.Children)
}

func TestCloneDeep(t *testing.T) {
	n := NewElement("div")
	n.Attrs["id"] = "x"
	n.Style["height"] = "10px"
	n.Append(NewText("t"))

	shallow := n.Clone(false)
	assert.Empty(t, shallow.Children)
	assert.Equal(t, "x", shallow.Attrs["id"])

	deep := n.Clone(true)
	require.Len(t, deep.Children, 1)
	assert.Same(t, deep, deep.Children[0].Parent)

	deep.Style["height"] = "20px"
	assert.Equal(t, "10px", n.Style["height"])
}

func TestQuery(t *testing.T) {
	doc := NewDocument()
	root := doc.Root.ByID("root")
	require.NotNil(t, root)

	a := NewElement("div")
	a.Attrs["class"] = "card wide"
	b := NewElement("span")
	b.Attrs["class"] = "card"
	b.Attrs["id"] = "title"
	a.Append(b)
	root.Append(a)

	assert.Len(t, doc.Root.Query(".card", false), 2)
	assert.Equal(t, []*Node{b}, doc.Root.Query("span.card", false))
	assert.Equal(t, []*Node{a}, doc.Root.Query("div.card", true))
	assert.Same(t, b, doc.Root.ByID("title"))
	assert.Len(t, doc.Root.Query("*", false), 6)
	assert.Nil(t, doc.Root.ByID("missing"))
}

func newTestPage(t *testing.T) *page {
	t.Helper()
	cfg := DefaultConfig()
	p, err := newPage(context.Background(), 1, 1, cfg, cfg.Viewport, make(chan task, 8), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.close)
	return p
}

func TestPageBindings(t *testing.T) {
	p := newTestPage(t)

	v, err := p.vm.RunString(`
const root = document.getElementById("root");
const card = document.createElement("section");
card.className = "card";
card.classList.add("open");
card.classList.remove("card");
card.innerHTML = "<b>bold</b> text<script>alert(1)</script>";
card.style.cssText = "margin-top: 4px; background-color: red";
card.style.setProperty("padding-bottom", "6px");
card.setAttribute("data-x", "1");
root.appendChild(card);
[
  card.className,
  card.textContent,
  card.style.marginTop,
  card.style.cssText,
  card.parentNode === root,
  document.querySelector("section.open") === card,
  card.getAttribute("data-x"),
  card.tagName,
].join("|");
`)
	require.NoError(t, err)
	assert.Equal(t,
		"open|bold text|4px|background-color: red; margin-top: 4px; padding-bottom: 6px;|true|true|1|SECTION",
		v.String())

	card := p.doc.Root.Query("section", true)[0]
	assert.Equal(t, "6px", card.Style["paddingBottom"])
}

func TestPageEvents(t *testing.T) {
	p := newTestPage(t)

	v, err := p.vm.RunString(`
const btn = document.createElement("button");
let clicks = 0;
const onClick = (e) => { clicks += e.type === "click" ? 1 : 0; };
btn.addEventListener("click", onClick);
btn.dispatchEvent({ type: "click" });
btn.removeEventListener("click", onClick);
btn.dispatchEvent({ type: "click" });
clicks;
`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.ToInteger())
}

func TestCanvasContexts(t *testing.T) {
	p := newTestPage(t)

	v, err := p.vm.RunString(`
const c = document.createElement("canvas");
const ctx = c.getContext("2d");
ctx.fillStyle = "red";
ctx.fillRect(0, 0, 10, 10);
[ctx.fillStyle, ctx.canvas === c, c.getContext("webgl") === null].join(",");
`)
	require.NoError(t, err)
	assert.Equal(t, "red,true,true", v.String())
}

func TestRemoveChildOfStranger(t *testing.T) {
	p := newTestPage(t)
	_, err := p.vm.RunString(`document.body.removeChild(document.createElement("div"));`)
	assert.Error(t, err)
}
