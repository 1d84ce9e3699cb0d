/*
Package builder is the entry point for embedding a live preview.

A Builder wires one sandbox and one orchestrator to a bundler and resolver
that may be shared with other builders. Callers only hand over whole file
sets and listen for the rendered height:

	b, err := builder.New(files, func(h float64) { frame.SetHeight(h) },
		builder.WithLogger(logger))
	if err != nil {
		return err
	}
	defer b.Close()

	// later, on "apply changes"
	gen, err := b.SetFiles(edited)

State reports the displayed generation, its artifact and the diagnostics of
the latest attempt.
*/
package builder
