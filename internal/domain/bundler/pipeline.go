package bundler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

const outfile = "/artifact.js"

// Options tunes compilation
type Options struct {
	// Target is the ECMAScript level of the artifact, e.g. "es2020"
	Target string
	// JSXImportSource provides the automatic JSX runtime
	JSXImportSource string
	Minify          bool
	Sourcemap       bool
}

// DefaultOptions targets es2020 with React's automatic JSX runtime
func DefaultOptions() Options {
	return Options{Target: "es2020", JSXImportSource: "react"}
}

// Pipeline compiles a snapshot into one ES module artifact.
// Builds share no state and may run concurrently.
type Pipeline struct {
	resolver *resolver.Resolver
	opts     Options
	target   api.Target
	logger   *zap.Logger
}

// New creates a pipeline resolving imports through r
func New(r *resolver.Resolver, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if r == nil {
		return nil, errors.New("resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.JSXImportSource == "" {
		opts.JSXImportSource = "react"
	}
	target, err := parseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	return &Pipeline{resolver: r, opts: opts, target: target, logger: logger}, nil
}

// Build compiles files. The returned error is non-nil only when ctx ends
// first; every other failure is reported through the outcome's diagnostics.
func (p *Pipeline) Build(ctx context.Context, files *vfs.Snapshot) (types.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return types.Outcome{}, err
	}

	entry, err := files.Entry()
	if err != nil {
		return types.Failure(types.Diagnostic{Kind: types.KindLocalModuleNotFound, Message: err.Error()}), nil
	}

	start := time.Now()
	session := p.resolver.NewSession(files)

	buildCtx, cerr := api.Context(p.buildOptions(entry, session))
	if cerr != nil {
		return types.Failure(newClassifier(nil).convert(cerr.Errors, types.KindCompileError)...), nil
	}

	done := make(chan api.BuildResult, 1)
	go func() {
		done <- buildCtx.Rebuild()
	}()

	var result api.BuildResult
	select {
	case result = <-done:
		buildCtx.Dispose()
	case <-ctx.Done():
		// esbuild cancels at its next checkpoint; the context is released once it does
		go func() {
			buildCtx.Cancel()
			<-done
			buildCtx.Dispose()
		}()
		p.logger.Debug("Build abandoned",
			zap.String("entry", entry),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(ctx.Err()))
		return types.Outcome{}, ctx.Err()
	}

	outcome := p.outcome(entry, session, result)
	p.logger.Debug("Build finished",
		zap.String("entry", entry),
		zap.Int("files", files.Len()),
		zap.Bool("succeeded", outcome.Succeeded()),
		zap.Int("diagnostics", len(outcome.Diagnostics)),
		zap.Duration("elapsed", time.Since(start)))
	return outcome, nil
}

func (p *Pipeline) buildOptions(entry string, session *resolver.Session) api.BuildOptions {
	opts := api.BuildOptions{
		EntryPoints:     []string{entry},
		Bundle:          true,
		Write:           false,
		Outfile:         outfile,
		Format:          api.FormatESModule,
		Platform:        api.PlatformBrowser,
		Target:          p.target,
		JSX:             api.JSXAutomatic,
		JSXImportSource: p.opts.JSXImportSource,
		Metafile:        true,
		LogLevel:        api.LogLevelSilent,
		Define:          map[string]string{"process.env.NODE_ENV": `"production"`},
		Plugins:         []api.Plugin{vfsPlugin(session)},
	}
	if p.opts.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}
	if p.opts.Sourcemap {
		opts.Sourcemap = api.SourceMapInline
	}
	return opts
}

func (p *Pipeline) outcome(entry string, session *resolver.Session, result api.BuildResult) types.Outcome {
	c := newClassifier(session.Failures())

	if len(result.Errors) > 0 || len(session.Failures()) > 0 {
		diags := c.convert(result.Errors, types.KindCompileError)
		diags = append(diags, c.unreported()...)
		sortDiagnostics(diags)
		return types.Failure(diags...)
	}

	warnings := c.convert(result.Warnings, types.KindWarning)
	for i := range warnings {
		warnings[i].Kind = types.KindWarning
	}

	// a bundle without side effects is tree-shaken to empty contents, which
	// is still a successful build
	var (
		source string
		found  bool
	)
	for _, file := range result.OutputFiles {
		if strings.HasSuffix(file.Path, ".js") {
			source, found = string(file.Contents), true
			break
		}
	}
	if !found {
		return types.Failure(types.Diagnostic{File: entry, Kind: types.KindCompileError, Message: "bundle produced no output"})
	}

	artifact := &types.Artifact{Source: source, Entry: entry, Hash: hashSource(source)}
	if meta, err := parseMetafile(result.Metafile); err == nil {
		artifact.Modules = meta.modules()
		artifact.Externals = meta.externals()
	} else {
		p.logger.Warn("Ignoring unreadable metafile", zap.Error(err))
	}
	return types.Success(artifact, warnings)
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

func parseTarget(target string) (api.Target, error) {
	switch strings.ToLower(target) {
	case "", "es2020":
		return api.ES2020, nil
	case "es2015":
		return api.ES2015, nil
	case "es2017":
		return api.ES2017, nil
	case "es2018":
		return api.ES2018, nil
	case "es2019":
		return api.ES2019, nil
	case "es2021":
		return api.ES2021, nil
	case "es2022":
		return api.ES2022, nil
	case "esnext":
		return api.ESNext, nil
	}
	return 0, fmt.Errorf("unsupported build target %q", target)
}
