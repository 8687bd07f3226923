package cli

import (
	"os"

	"github.com/mattn/go-isatty"

	"github.com/cxyfer/weiboloader/internal/model"
)

// parseTargets parses every raw target token; the first bad token fails
// the whole run, since there is no partial target list to salvage.
func parseTargets(raw []string, midFlag string) ([]model.TargetSpec, error) {
	specs := make([]model.TargetSpec, 0, len(raw))
	for _, token := range raw {
		spec, err := ParseTarget(token, midFlag)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
