package bundler

import (
	"cmp"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// classifier turns esbuild messages into diagnostics, attributing plugin
// failures to the resolution errors that caused them
type classifier struct {
	failures []error
	seen     map[string]bool
}

func newClassifier(failures []error) *classifier {
	// map iteration order upstream is random
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Error() < failures[j].Error()
	})
	return &classifier{failures: failures, seen: make(map[string]bool)}
}

func (c *classifier) convert(msgs []api.Message, fallback types.Kind) []types.Diagnostic {
	diags := make([]types.Diagnostic, 0, len(msgs))
	for _, msg := range msgs {
		if c.duplicate(msg) {
			continue
		}

		d := types.Diagnostic{Kind: fallback, Message: msg.Text}
		if msg.Location != nil {
			d.File = stripNamespace(msg.Location.File)
			d.Line = msg.Location.Line
			d.Column = msg.Location.Column + 1
		}

		if cause := c.cause(msg); cause != nil {
			var typed *types.Error
			if errors.As(cause, &typed) {
				d.Kind = typed.Kind
				if d.File == "" {
					d.File = typed.File
				}
			} else {
				d.Kind = types.KindOf(cause)
			}
			d.Message = cause.Error()
			c.seen[cause.Error()] = true
		}
		diags = append(diags, d)
	}
	return diags
}

// unreported returns failures esbuild did not surface as messages
func (c *classifier) unreported() []types.Diagnostic {
	var diags []types.Diagnostic
	for _, err := range c.failures {
		if c.seen[err.Error()] {
			continue
		}
		c.seen[err.Error()] = true
		diags = append(diags, types.DiagnosticFromError(err))
	}
	return diags
}

func (c *classifier) cause(msg api.Message) error {
	if err, ok := msg.Detail.(error); ok {
		return err
	}
	if msg.PluginName == "" {
		return nil
	}
	for _, err := range c.failures {
		if msg.Text == err.Error() || strings.HasSuffix(msg.Text, err.Error()) {
			return err
		}
	}
	return nil
}

// duplicate drops esbuild's own "Could not resolve" for a specifier the
// plugin already rejected
func (c *classifier) duplicate(msg api.Message) bool {
	if msg.PluginName != "" || !strings.HasPrefix(msg.Text, "Could not resolve ") {
		return false
	}
	spec, err := strconv.Unquote(strings.TrimPrefix(msg.Text, "Could not resolve "))
	if err != nil {
		return false
	}
	for _, failure := range c.failures {
		var typed *types.Error
		if errors.As(failure, &typed) && typed.Specifier == spec {
			return true
		}
	}
	return false
}

// sortDiagnostics orders diagnostics by position so a failed build reports
// the same list however esbuild scheduled its work
func sortDiagnostics(diags []types.Diagnostic) {
	slices.SortStableFunc(diags, func(a, b types.Diagnostic) int {
		return cmp.Or(
			cmp.Compare(a.File, b.File),
			cmp.Compare(a.Line, b.Line),
			cmp.Compare(a.Column, b.Column),
			cmp.Compare(a.Message, b.Message),
		)
	})
}
