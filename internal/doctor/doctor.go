// Package doctor reports whether this host can run each wrap strategy.
package doctor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/pipebench/internal/ui"
)

// Section represents a diagnostic section that can be printed.
type Section interface {
	// Name returns the section name (e.g., "Tools")
	Name() string

	// Print outputs the section's diagnostic information to the writer.
	// Returns an error if the section fails to generate diagnostics.
	Print(ctx context.Context, w io.Writer) error
}

// Registry holds all registered doctor sections.
type Registry struct {
	sections []Section
}

// NewRegistry creates a new doctor section registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a section to the registry.
func (r *Registry) Register(s Section) {
	r.sections = append(r.sections, s)
}

// Sections returns all registered sections.
func (r *Registry) Sections() []Section {
	return r.sections
}

// Run generates every section concurrently and writes them to w in
// registration order. A failing section prints its error in place.
func (r *Registry) Run(ctx context.Context, w io.Writer) error {
	bufs := make([]bytes.Buffer, len(r.sections))
	errs := make([]error, len(r.sections))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range r.sections {
		g.Go(func() error {
			errs[i] = s.Print(gctx, &bufs[i])
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, s := range r.sections {
		ui.Section(w, s.Name())
		if _, err := bufs[i].WriteTo(w); err != nil {
			return err
		}
		if errs[i] != nil {
			fmt.Fprintf(w, "%s Error: %v\n", ui.FailTag(), errs[i])
		}
		fmt.Fprintln(w)
	}
	return nil
}
