package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
)

// artifactName labels the entry bundle in stack traces
const artifactName = "artifact.js"

// moduleLoader gives a page CommonJS-style require over CDN modules.
// Its registry lives and dies with the page.
type moduleLoader struct {
	page     *page
	fetcher  ModuleFetcher
	resolver *resolver.Resolver
	modules  map[string]*goja.Object
}

func newModuleLoader(p *page, fetcher ModuleFetcher, r *resolver.Resolver) *moduleLoader {
	return &moduleLoader{
		page:     p,
		fetcher:  fetcher,
		resolver: r,
		modules:  make(map[string]*goja.Object),
	}
}

// main executes the artifact. Absolute imports inside it resolve against
// the CDN origin.
func (l *moduleLoader) main(source string) error {
	mod := l.newModule()
	return l.execute(mod, artifactName, l.resolver.Base()+"/", "text/javascript", source)
}

func (l *moduleLoader) newModule() *goja.Object {
	mod := l.page.vm.NewObject()
	_ = mod.Set("exports", l.page.vm.NewObject())
	return mod
}

// require returns the require function for a module loaded from base
func (l *moduleLoader) require(base string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		url, err := l.resolver.ResolveURL(spec, base)
		if err != nil {
			l.throw("ResolutionError", err.Error())
		}
		return l.load(url).Get("exports")
	}
}

// load returns the module for url, fetching and executing it on first use.
// Failures are thrown into the calling script.
func (l *moduleLoader) load(url string) *goja.Object {
	if mod, ok := l.modules[url]; ok {
		return mod
	}

	p := l.page
	p.pause()
	m, err := l.fetcher.Fetch(p.ctx, url)
	p.resume()
	if err != nil {
		if p.aborted.Load() {
			panic(p.vm.NewGoError(errAborted))
		}
		l.throw("FetchError", fmt.Sprintf("failed to fetch %s: %v", url, err))
	}

	// redirects land on the same module under its final URL
	if mod, ok := l.modules[m.URL]; ok {
		l.modules[url] = mod
		return mod
	}

	mod := l.newModule()
	l.modules[url] = mod
	l.modules[m.URL] = mod
	if err := l.execute(mod, m.URL, m.URL, m.ContentType, m.Source); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			// raised again as soon as control returns to the caller
			p.vm.Interrupt(interrupted.Value())
			return mod
		}
		l.rethrow(err)
	}
	return mod
}

// execute runs source as the body of mod. Modules are registered before
// they run so import cycles see partial exports.
func (l *moduleLoader) execute(mod *goja.Object, name, base, contentType, source string) error {
	vm := l.page.vm

	code := source
	if strings.Contains(contentType, "json") {
		code = "module.exports = " + source + ";"
	} else {
		cjs, err := toCommonJS(source, name)
		if err != nil {
			return fmt.Errorf("SyntaxError: %w", err)
		}
		code = cjs
	}

	wrapper, err := vm.RunScript(name, "(function (exports, require, module, __filename, __dirname) {"+code+"\n})")
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return fmt.Errorf("module %s did not compile to a function", name)
	}
	_, err = fn(goja.Undefined(),
		mod.Get("exports"),
		vm.ToValue(l.require(base)),
		mod,
		vm.ToValue(name),
		vm.ToValue(path.Dir(name)))
	return err
}

// throw raises an Error with the given name in the running script
func (l *moduleLoader) throw(name, message string) {
	vm := l.page.vm
	obj, err := vm.New(vm.Get("Error"), vm.ToValue(message))
	if err != nil {
		panic(vm.NewGoError(err))
	}
	_ = obj.Set("name", name)
	panic(obj)
}

// rethrow propagates a nested module failure into the calling script
func (l *moduleLoader) rethrow(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	panic(l.page.vm.NewGoError(err))
}

// toCommonJS rewrites ES module syntax so require can drive module linking
func toCommonJS(source, name string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     api.LoaderJS,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: name,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if msg.Location != nil {
			return "", fmt.Errorf("%s:%d:%d: %s", name, msg.Location.Line, msg.Location.Column+1, msg.Text)
		}
		return "", fmt.Errorf("%s: %s", name, msg.Text)
	}
	return string(result.Code), nil
}
