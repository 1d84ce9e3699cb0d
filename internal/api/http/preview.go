package http

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// shellFile is the optional page markup a project can provide
const shellFile = "/index.html"

const defaultShell = template.HTML(`<div id="root"></div>`)

var previewTemplate = template.Must(template.New("preview").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="generation" content="{{.Generation}}">
<title>{{.Title}}</title>
<style>html,body{margin:0}.tsingtao-diagnostics{margin:0;padding:8px;color:#b00020;background:#fff0f0;white-space:pre-wrap}</style>
</head>
<body>
{{.Body}}
{{- if .Diagnostics}}
<pre class="tsingtao-diagnostics">{{range .Diagnostics}}{{.}}
{{end}}</pre>
{{- end}}
{{- if .ArtifactURL}}
<script type="module" src="{{.ArtifactURL}}"></script>
{{- end}}
</body>
</html>
`))

type previewPage struct {
	Title       string
	Body        template.HTML
	Generation  types.Generation
	ArtifactURL string
	Diagnostics []types.Diagnostic
}

// shellPolicy keeps structural markup and drops anything executable
func shellPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("id", "class").Globally()
	return p
}

// Preview renders an HTML page that loads the displayed artifact. The
// latest diagnostics are listed above it.
func (h *Handlers) Preview(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	st := s.Builder().State()
	page := previewPage{
		Title:       "Preview",
		Body:        defaultShell,
		Generation:  st.Displayed,
		Diagnostics: st.Diagnostics,
	}
	if st.Artifact != nil {
		page.ArtifactURL = "/sessions/" + s.ID.String() + "/artifact?generation=" + formatGeneration(st.Displayed)
	}
	if st.Files != nil {
		if src, ok := st.Files.Get(shellFile); ok {
			title, body := h.shell(src)
			if title != "" {
				page.Title = title
			}
			page.Body = body
		}
	}

	var buf bytes.Buffer
	if err := previewTemplate.Execute(&buf, page); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// shell extracts the sanitized body markup and title of an HTML document
func (h *Handlers) shell(src string) (string, template.HTML) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		h.logger.Debug("Ignoring unparsable page shell", zap.Error(err))
		return "", defaultShell
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, link").Remove()

	inner, err := doc.Find("body").First().Html()
	if err != nil {
		return title, defaultShell
	}
	clean := strings.TrimSpace(h.sanitizer.Sanitize(inner))
	if clean == "" {
		return title, defaultShell
	}
	return title, template.HTML(clean)
}
