package bundler

import (
	"fmt"
	"path"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

const (
	// Namespace holds every module served from the virtual file set
	Namespace  = "vfs"
	pluginName = "vfs-cdn"
)

// vfsPlugin routes local imports into the snapshot and marks every other
// import external at its CDN URL, leaving the fetch to the module loader
func vfsPlugin(session *resolver.Session) api.Plugin {
	files := session.Files()

	return api.Plugin{
		Name: pluginName,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint {
					entry, err := vfs.Normalize(args.Path)
					if err != nil || !files.Has(entry) {
						return api.OnResolveResult{}, types.NewError(types.KindLocalModuleNotFound, "", args.Path, "", err)
					}
					return api.OnResolveResult{Path: entry, Namespace: Namespace}, nil
				}

				mod, err := session.Resolve(args.Path, args.Importer)
				if err != nil {
					return api.OnResolveResult{}, err
				}
				if mod.Kind == resolver.KindLocal {
					return api.OnResolveResult{Path: mod.Path, Namespace: Namespace}, nil
				}
				return api.OnResolveResult{Path: mod.Path, External: true}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: Namespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				content, ok := files.Get(args.Path)
				if !ok {
					return api.OnLoadResult{}, types.NewError(types.KindLocalModuleNotFound, "", args.Path, "", nil)
				}

				loader := loaderFor(args.Path)
				if loader == api.LoaderCSS {
					content = styleModule(content)
					loader = api.LoaderJS
				}
				return api.OnLoadResult{Contents: &content, Loader: loader}, nil
			})
		},
	}
}

func loaderFor(p string) api.Loader {
	switch strings.ToLower(path.Ext(p)) {
	case ".tsx":
		return api.LoaderTSX
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".jsx":
		return api.LoaderJSX
	case ".js", ".mjs", ".cjs":
		return api.LoaderJS
	case ".json":
		return api.LoaderJSON
	case ".css":
		return api.LoaderCSS
	}
	return api.LoaderText
}

// styleModule turns a stylesheet into a module that injects it on import,
// keeping the artifact a single script
func styleModule(css string) string {
	quoted, _ := sonic.Marshal(css)
	return fmt.Sprintf(`const css = %s;
if (typeof document !== "undefined") {
  const style = document.createElement("style");
  style.textContent = css;
  document.head.appendChild(style);
}
export default css;
`, quoted)
}
