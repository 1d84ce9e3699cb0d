package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "tsingtao",
		Usage:          "Live preview builder for TypeScript and JSX",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			buildCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(c.App.ErrWriter, msg)
		}
		cli.OsExiter(code)
	}
}
