package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/bundler"
	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/config"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Bundle a sample directory once",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "entry", Usage: "entry file, e.g. /main.tsx"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: `write the artifact to this file ("-" for stdout)`},
			&cli.StringSliceFlag{Name: "pin", Usage: "pin a package version, e.g. react=18.3.1"},
			&cli.BoolFlag{Name: "minify", Usage: "minify the artifact"},
		},
		Action: buildAction,
	}
}

func buildAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("build needs exactly one directory", 2)
	}
	dir := c.Args().First()

	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, cfg.Timeouts.Build)
	defer cancel()

	seed, err := vfs.LoadDir(ctx, dir, nil)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	pins := maps.Clone(seed.Pins)
	if pins == nil {
		pins = map[string]string{}
	}
	maps.Copy(pins, cfg.Builder.Pins)
	for _, p := range c.StringSlice("pin") {
		name, ver, ok := strings.Cut(p, "=")
		if !ok || name == "" || ver == "" {
			return cli.Exit(fmt.Sprintf("invalid --pin %q, want name=version", p), 2)
		}
		pins[name] = ver
	}

	entry := seed.Entry
	if cfg.Builder.Entry != "" {
		entry = cfg.Builder.Entry
	}
	if c.IsSet("entry") {
		entry = c.String("entry")
	}
	snap, err := vfs.NewSnapshot(seed.Files, entry)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	res, err := resolver.New(resolver.Config{
		CDNBase: cfg.Builder.CDNBase,
		Pins:    pins,
		Query:   cfg.Builder.CDNQuery,
	})
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	pipeline, err := bundler.New(res, bundler.Options{
		Target:          cfg.Builder.Target,
		JSXImportSource: cfg.Builder.JSXImportSource,
		Minify:          c.Bool("minify"),
	}, zap.NewNop())
	if err != nil {
		return err
	}

	start := time.Now()
	outcome, err := pipeline.Build(ctx, snap)
	if err != nil {
		return cli.Exit(fmt.Sprintf("build did not finish: %v", err), 1)
	}
	elapsed := time.Since(start)

	w := c.App.Writer
	printDiagnostics(c.App.ErrWriter, outcome.Diagnostics)
	if !outcome.Succeeded() {
		fmt.Fprintln(c.App.ErrWriter, failureStyle.Render(fmt.Sprintf("✗ build failed with %d error(s)", countErrors(outcome.Diagnostics))))
		return cli.Exit("", 1)
	}

	artifact := outcome.Artifact
	if out := c.String("out"); out != "" {
		if err := writeArtifact(w, out, artifact.Source); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		if out == "-" {
			return nil
		}
	}
	printSummary(w, artifact, elapsed)
	return nil
}

func writeArtifact(stdout io.Writer, out, source string) error {
	if out == "-" {
		_, err := io.WriteString(stdout, source)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := os.WriteFile(out, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func printDiagnostics(w io.Writer, diags []types.Diagnostic) {
	for _, d := range diags {
		loc := d.File
		if loc == "" {
			loc = "<unknown>"
		}
		if d.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", loc, d.Line, d.Column)
		}
		kind := errorKind
		if !d.IsError() {
			kind = warningKind
		}
		fmt.Fprintf(w, "%s %s %s\n", locationStyle.Render(loc+":"), kind.Render(string(d.Kind)+":"), d.Message)
	}
}

func printSummary(w io.Writer, a *types.Artifact, elapsed time.Duration) {
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✓ built %s in %s", a.Entry, elapsed.Round(time.Millisecond))))
	fmt.Fprintln(w, labelStyle.Render("modules")+strings.Join(a.Modules, ", "))
	if len(a.Externals) > 0 {
		fmt.Fprintln(w, labelStyle.Render("externals")+strings.Join(a.Externals, ", "))
	}
	fmt.Fprintln(w, labelStyle.Render("size")+formatSize(len(a.Source)))
	fmt.Fprintln(w, labelStyle.Render("hash")+a.Hash)
}

func countErrors(diags []types.Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.IsError() {
			n++
		}
	}
	return n
}

func formatSize(n int) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f KiB", float64(n)/1024)
}
