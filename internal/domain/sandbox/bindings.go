package sandbox

import (
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
)

// markup assigned to innerHTML is reduced to its text
var stripTags = bluemonday.StrictPolicy()

// wrap returns the one JS object standing for n
func (p *page) wrap(n *Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := p.objs[n]; ok {
		return obj
	}
	obj := p.vm.NewObject()
	_ = obj.SetPrototype(p.nodeProto)
	p.objs[n] = obj
	p.nodes[obj] = n
	return obj
}

func (p *page) unwrap(v goja.Value) *Node {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return p.nodes[obj]
}

func (p *page) self(call goja.FunctionCall) *Node {
	n := p.unwrap(call.This)
	if n == nil {
		panic(p.vm.NewTypeError("Illegal invocation"))
	}
	return n
}

func (p *page) arg(call goja.FunctionCall, i int) *Node {
	n := p.unwrap(call.Argument(i))
	if n == nil {
		panic(p.vm.NewTypeError("parameter %d is not of type 'Node'", i+1))
	}
	return n
}

func (p *page) list(nodes []*Node) goja.Value {
	items := make([]interface{}, len(nodes))
	for i, n := range nodes {
		items[i] = p.wrap(n)
	}
	return p.vm.NewArray(items...)
}

func (p *page) accessor(obj *goja.Object, name string, get func(*Node) goja.Value, set func(*Node, goja.Value)) {
	getter := p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return get(p.self(call))
	})
	var setter goja.Value
	if set != nil {
		setter = p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(p.self(call), call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (p *page) method(obj *goja.Object, name string, fn func(*Node, goja.FunctionCall) goja.Value) {
	_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
		return fn(p.self(call), call)
	})
}

func (p *page) installNodePrototype() {
	proto := p.vm.NewObject()
	p.nodeProto = proto
	vm := p.vm

	str := func(s string) goja.Value { return vm.ToValue(s) }
	num := func(f float64) goja.Value { return vm.ToValue(f) }

	p.accessor(proto, "nodeType", func(n *Node) goja.Value { return vm.ToValue(int(n.Type)) }, nil)
	p.accessor(proto, "nodeName", func(n *Node) goja.Value { return str(n.NodeName()) }, nil)
	p.accessor(proto, "tagName", func(n *Node) goja.Value { return str(n.NodeName()) }, nil)
	p.accessor(proto, "localName", func(n *Node) goja.Value { return str(n.Tag) }, nil)
	p.accessor(proto, "ownerDocument", func(*Node) goja.Value { return p.wrap(p.doc.Root) }, nil)
	p.accessor(proto, "isConnected", func(n *Node) goja.Value { return vm.ToValue(p.doc.Root.Contains(n)) }, nil)

	attr := func(name string) (func(*Node) goja.Value, func(*Node, goja.Value)) {
		return func(n *Node) goja.Value { return str(n.Attrs[name]) },
			func(n *Node, v goja.Value) {
				if n.Attrs != nil {
					n.Attrs[name] = v.String()
				}
			}
	}
	get, set := attr("id")
	p.accessor(proto, "id", get, set)
	get, set = attr("class")
	p.accessor(proto, "className", get, set)

	text := func(n *Node) goja.Value { return str(n.TextContent()) }
	setText := func(n *Node, v goja.Value) {
		if goja.IsNull(v) || goja.IsUndefined(v) {
			n.SetTextContent("")
			return
		}
		n.SetTextContent(v.String())
	}
	for _, name := range []string{"textContent", "innerText", "nodeValue", "data"} {
		p.accessor(proto, name, text, setText)
	}
	p.accessor(proto, "innerHTML", text, func(n *Node, v goja.Value) {
		n.SetTextContent(html.UnescapeString(stripTags.Sanitize(v.String())))
	})

	p.accessor(proto, "parentNode", func(n *Node) goja.Value { return p.wrap(n.Parent) }, nil)
	p.accessor(proto, "parentElement", func(n *Node) goja.Value {
		if n.Parent == nil || n.Parent.Type != ElementNode {
			return goja.Null()
		}
		return p.wrap(n.Parent)
	}, nil)
	p.accessor(proto, "childNodes", func(n *Node) goja.Value { return p.list(n.Children) }, nil)
	p.accessor(proto, "children", func(n *Node) goja.Value { return p.list(n.Elements()) }, nil)
	p.accessor(proto, "firstChild", func(n *Node) goja.Value { return p.wrap(at(n.Children, 0)) }, nil)
	p.accessor(proto, "lastChild", func(n *Node) goja.Value { return p.wrap(at(n.Children, len(n.Children)-1)) }, nil)
	p.accessor(proto, "firstElementChild", func(n *Node) goja.Value {
		els := n.Elements()
		return p.wrap(at(els, 0))
	}, nil)
	p.accessor(proto, "lastElementChild", func(n *Node) goja.Value {
		els := n.Elements()
		return p.wrap(at(els, len(els)-1))
	}, nil)
	p.accessor(proto, "nextSibling", func(n *Node) goja.Value { return p.wrap(n.Sibling(1)) }, nil)
	p.accessor(proto, "previousSibling", func(n *Node) goja.Value { return p.wrap(n.Sibling(-1)) }, nil)

	p.accessor(proto, "style", p.style, func(n *Node, v goja.Value) {
		if n.Style != nil {
			setCSSText(n, v.String())
		}
	})
	p.accessor(proto, "classList", p.classList, nil)

	height := func(n *Node) goja.Value { return num(round(p.layout.Box(n, -1))) }
	width := func(n *Node) goja.Value { return num(p.width(n)) }
	for _, name := range []string{"offsetHeight", "clientHeight", "scrollHeight"} {
		p.accessor(proto, name, height, nil)
	}
	for _, name := range []string{"offsetWidth", "clientWidth", "scrollWidth"} {
		p.accessor(proto, name, width, nil)
	}
	dimension := func(name string, fallback float64) (func(*Node) goja.Value, func(*Node, goja.Value)) {
		return func(n *Node) goja.Value {
				if f, err := strconv.ParseFloat(n.Attrs[name], 64); err == nil {
					return num(f)
				}
				return num(fallback)
			}, func(n *Node, v goja.Value) {
				if n.Attrs != nil {
					n.Attrs[name] = strconv.FormatFloat(v.ToFloat(), 'f', -1, 64)
				}
			}
	}
	get, set = dimension("width", 300)
	p.accessor(proto, "width", get, set)
	get, set = dimension("height", 150)
	p.accessor(proto, "height", get, set)

	p.method(proto, "appendChild", func(n *Node, call goja.FunctionCall) goja.Value {
		child := p.arg(call, 0)
		n.Append(child)
		return call.Argument(0)
	})
	p.method(proto, "insertBefore", func(n *Node, call goja.FunctionCall) goja.Value {
		child := p.arg(call, 0)
		n.InsertBefore(child, p.unwrap(call.Argument(1)))
		return call.Argument(0)
	})
	p.method(proto, "removeChild", func(n *Node, call goja.FunctionCall) goja.Value {
		child := p.arg(call, 0)
		if child.Parent != n {
			panic(vm.NewGoError(errNotChild))
		}
		child.Detach()
		return call.Argument(0)
	})
	p.method(proto, "replaceChild", func(n *Node, call goja.FunctionCall) goja.Value {
		next, old := p.arg(call, 0), p.arg(call, 1)
		if old.Parent != n {
			panic(vm.NewGoError(errNotChild))
		}
		n.InsertBefore(next, old)
		old.Detach()
		return call.Argument(1)
	})
	p.method(proto, "remove", func(n *Node, _ goja.FunctionCall) goja.Value {
		n.Detach()
		return goja.Undefined()
	})
	p.method(proto, "append", func(n *Node, call goja.FunctionCall) goja.Value {
		for _, v := range call.Arguments {
			n.Append(p.nodeOrText(v))
		}
		return goja.Undefined()
	})
	p.method(proto, "prepend", func(n *Node, call goja.FunctionCall) goja.Value {
		first := at(n.Children, 0)
		for _, v := range call.Arguments {
			n.InsertBefore(p.nodeOrText(v), first)
		}
		return goja.Undefined()
	})
	p.method(proto, "replaceChildren", func(n *Node, call goja.FunctionCall) goja.Value {
		n.Clear()
		for _, v := range call.Arguments {
			n.Append(p.nodeOrText(v))
		}
		return goja.Undefined()
	})
	p.method(proto, "hasChildNodes", func(n *Node, _ goja.FunctionCall) goja.Value {
		return vm.ToValue(len(n.Children) > 0)
	})
	p.method(proto, "contains", func(n *Node, call goja.FunctionCall) goja.Value {
		other := p.unwrap(call.Argument(0))
		return vm.ToValue(other != nil && n.Contains(other))
	})
	p.method(proto, "cloneNode", func(n *Node, call goja.FunctionCall) goja.Value {
		return p.wrap(n.Clone(call.Argument(0).ToBoolean()))
	})

	p.method(proto, "setAttribute", func(n *Node, call goja.FunctionCall) goja.Value {
		if n.Attrs != nil {
			name := strings.ToLower(call.Argument(0).String())
			value := call.Argument(1).String()
			n.Attrs[name] = value
			if name == "style" {
				setCSSText(n, value)
			}
		}
		return goja.Undefined()
	})
	p.method(proto, "getAttribute", func(n *Node, call goja.FunctionCall) goja.Value {
		if v, ok := n.Attrs[strings.ToLower(call.Argument(0).String())]; ok {
			return str(v)
		}
		return goja.Null()
	})
	p.method(proto, "hasAttribute", func(n *Node, call goja.FunctionCall) goja.Value {
		_, ok := n.Attrs[strings.ToLower(call.Argument(0).String())]
		return vm.ToValue(ok)
	})
	p.method(proto, "removeAttribute", func(n *Node, call goja.FunctionCall) goja.Value {
		delete(n.Attrs, strings.ToLower(call.Argument(0).String()))
		return goja.Undefined()
	})

	p.method(proto, "addEventListener", func(n *Node, call goja.FunctionCall) goja.Value {
		p.listen(n, call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})
	p.method(proto, "removeEventListener", func(n *Node, call goja.FunctionCall) goja.Value {
		p.unlisten(n, call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})
	p.method(proto, "dispatchEvent", func(n *Node, call goja.FunctionCall) goja.Value {
		event := call.Argument(0)
		if obj, ok := event.(*goja.Object); ok {
			p.dispatch(n, obj.Get("type").String(), event)
		}
		return vm.ToValue(true)
	})
	for _, name := range []string{"focus", "blur", "click", "scrollIntoView", "setPointerCapture", "releasePointerCapture"} {
		p.method(proto, name, func(*Node, goja.FunctionCall) goja.Value { return goja.Undefined() })
	}

	p.method(proto, "getBoundingClientRect", func(n *Node, _ goja.FunctionCall) goja.Value {
		h := round(p.layout.Box(n, -1))
		w := p.width(n)
		rect := vm.NewObject()
		for k, v := range map[string]float64{
			"x": 0, "y": 0, "top": 0, "left": 0,
			"width": w, "height": h, "right": w, "bottom": h,
		} {
			_ = rect.Set(k, v)
		}
		return rect
	})

	p.method(proto, "querySelector", func(n *Node, call goja.FunctionCall) goja.Value {
		found := n.Query(call.Argument(0).String(), true)
		return p.wrap(at(found, 0))
	})
	p.method(proto, "querySelectorAll", func(n *Node, call goja.FunctionCall) goja.Value {
		return p.list(n.Query(call.Argument(0).String(), false))
	})
	p.method(proto, "getElementsByTagName", func(n *Node, call goja.FunctionCall) goja.Value {
		return p.list(n.Query(call.Argument(0).String(), false))
	})
	p.method(proto, "getElementsByClassName", func(n *Node, call goja.FunctionCall) goja.Value {
		return p.list(n.Query("."+call.Argument(0).String(), false))
	})
	p.method(proto, "getElementById", func(n *Node, call goja.FunctionCall) goja.Value {
		return p.wrap(n.ByID(call.Argument(0).String()))
	})

	p.method(proto, "getContext", func(n *Node, call goja.FunctionCall) goja.Value {
		if n.Tag != "canvas" {
			return goja.Undefined()
		}
		if call.Argument(0).String() != "2d" {
			// no GPU behind the sandbox
			return goja.Null()
		}
		return p.context2D(n)
	})
}

func (p *page) installDocument() *goja.Object {
	vm := p.vm
	doc := p.wrap(p.doc.Root).(*goja.Object)

	_ = doc.Set("documentElement", p.wrap(p.doc.HTML))
	_ = doc.Set("head", p.wrap(p.doc.Head))
	_ = doc.Set("body", p.wrap(p.doc.Body))
	_ = doc.Set("readyState", "complete")
	_ = doc.Set("visibilityState", "visible")
	_ = doc.Set("hidden", false)
	_ = doc.Set("defaultView", vm.GlobalObject())

	_ = doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		return p.wrap(NewElement(call.Argument(0).String()))
	})
	_ = doc.Set("createElementNS", func(call goja.FunctionCall) goja.Value {
		return p.wrap(NewElement(call.Argument(1).String()))
	})
	_ = doc.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		return p.wrap(NewText(call.Argument(0).String()))
	})
	_ = doc.Set("createComment", func(call goja.FunctionCall) goja.Value {
		return p.wrap(&Node{Type: CommentNode, Tag: "#comment", Text: call.Argument(0).String()})
	})
	_ = doc.Set("createDocumentFragment", func(goja.FunctionCall) goja.Value {
		return p.wrap(&Node{Type: FragmentNode, Tag: "#document-fragment"})
	})
	return doc
}

// style returns n's CSSStyleDeclaration, a proxy over the node's style map
func (p *page) style(n *Node) goja.Value {
	if v, ok := p.styles[n]; ok {
		return v
	}
	vm := p.vm

	methods := map[string]goja.Value{
		"setProperty": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			setStyle(n, camel(call.Argument(0).String()), call.Argument(1))
			return goja.Undefined()
		}),
		"getPropertyValue": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(n.Style[camel(call.Argument(0).String())])
		}),
		"removeProperty": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			key := camel(call.Argument(0).String())
			old := n.Style[key]
			delete(n.Style, key)
			return vm.ToValue(old)
		}),
	}

	proxy := vm.NewProxy(vm.NewObject(), &goja.ProxyTrapConfig{
		Get: func(_ *goja.Object, property string, _ goja.Value) goja.Value {
			if m, ok := methods[property]; ok {
				return m
			}
			if property == "cssText" {
				return vm.ToValue(cssText(n.Style))
			}
			return vm.ToValue(n.Style[property])
		},
		Set: func(_ *goja.Object, property string, value goja.Value, _ goja.Value) bool {
			if property == "cssText" {
				setCSSText(n, value.String())
				return true
			}
			setStyle(n, property, value)
			return true
		},
		Has: func(_ *goja.Object, property string) bool {
			_, ok := n.Style[property]
			return ok || methods[property] != nil
		},
		DeleteProperty: func(_ *goja.Object, property string) bool {
			delete(n.Style, property)
			return true
		},
	})
	v := vm.ToValue(proxy)
	p.styles[n] = v
	return v
}

func (p *page) classList(n *Node) goja.Value {
	vm := p.vm
	list := vm.NewObject()
	update := func(fn func(map[string]bool) map[string]bool) {
		if n.Attrs == nil {
			return
		}
		set := make(map[string]bool)
		var order []string
		for _, c := range n.Classes() {
			if !set[c] {
				order = append(order, c)
			}
			set[c] = true
		}
		set = fn(set)
		var out []string
		for _, c := range order {
			if set[c] {
				out = append(out, c)
				delete(set, c)
			}
		}
		for c, ok := range set {
			if ok {
				out = append(out, c)
			}
		}
		n.Attrs["class"] = strings.Join(out, " ")
	}

	_ = list.Set("add", func(call goja.FunctionCall) goja.Value {
		update(func(s map[string]bool) map[string]bool {
			for _, a := range call.Arguments {
				s[a.String()] = true
			}
			return s
		})
		return goja.Undefined()
	})
	_ = list.Set("remove", func(call goja.FunctionCall) goja.Value {
		update(func(s map[string]bool) map[string]bool {
			for _, a := range call.Arguments {
				delete(s, a.String())
			}
			return s
		})
		return goja.Undefined()
	})
	_ = list.Set("toggle", func(call goja.FunctionCall) goja.Value {
		class := call.Argument(0).String()
		on := !n.HasClass(class)
		update(func(s map[string]bool) map[string]bool {
			if on {
				s[class] = true
			} else {
				delete(s, class)
			}
			return s
		})
		return vm.ToValue(on)
	})
	_ = list.Set("contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(n.HasClass(call.Argument(0).String()))
	})
	_ = list.Set("length", len(n.Classes()))
	return list
}

// context2D is a drawing context that accepts every call and draws nothing
func (p *page) context2D(canvas *Node) goja.Value {
	vm := p.vm
	noop := vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	measure := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m := vm.NewObject()
		_ = m.Set("width", float64(len(call.Argument(0).String()))*7)
		return m
	})

	proxy := vm.NewProxy(vm.NewObject(), &goja.ProxyTrapConfig{
		Get: func(target *goja.Object, property string, _ goja.Value) goja.Value {
			switch property {
			case "canvas":
				return p.wrap(canvas)
			case "measureText":
				return measure
			}
			if v := target.Get(property); v != nil {
				return v
			}
			return noop
		},
		Set: func(target *goja.Object, property string, value goja.Value, _ goja.Value) bool {
			return target.Set(property, value) == nil
		},
	})
	return vm.ToValue(proxy)
}

func (p *page) nodeOrText(v goja.Value) *Node {
	if n := p.unwrap(v); n != nil {
		return n
	}
	return NewText(v.String())
}

func (p *page) width(n *Node) float64 {
	if v, ok := p.layout.length(n.Style["width"], p.layout.Viewport.Width); ok {
		return round(v)
	}
	if n.Tag == "canvas" {
		if f, err := strconv.ParseFloat(n.Attrs["width"], 64); err == nil {
			return f
		}
		return 300
	}
	return p.layout.Viewport.Width
}

func at(nodes []*Node, i int) *Node {
	if i < 0 || i >= len(nodes) {
		return nil
	}
	return nodes[i]
}

func setStyle(n *Node, property string, value goja.Value) {
	if n.Style == nil {
		return
	}
	if value == nil || goja.IsNull(value) || goja.IsUndefined(value) || value.String() == "" {
		delete(n.Style, property)
		return
	}
	n.Style[property] = value.String()
}

func setCSSText(n *Node, css string) {
	for k := range n.Style {
		delete(n.Style, k)
	}
	for _, decl := range strings.Split(css, ";") {
		key, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			n.Style[camel(key)] = value
		}
	}
}

func cssText(style map[string]string) string {
	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(kebab(k))
		sb.WriteString(": ")
		sb.WriteString(style[k])
		sb.WriteByte(';')
	}
	return sb.String()
}

// camel turns "background-color" into "backgroundColor"; custom
// properties keep their name
func camel(s string) string {
	if strings.HasPrefix(s, "--") || !strings.Contains(s, "-") {
		return s
	}
	parts := strings.Split(s, "-")
	var sb strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 || sb.Len() == 0 {
			sb.WriteString(part)
			continue
		}
		sb.WriteString(strings.ToUpper(part[:1]))
		sb.WriteString(part[1:])
	}
	return sb.String()
}

func kebab(s string) string {
	if strings.HasPrefix(s, "--") {
		return s
	}
	var sb strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			sb.WriteByte('-')
			sb.WriteRune(r + ('a' - 'A'))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
