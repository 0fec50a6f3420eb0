package main

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// render writes v as YAML, or calls text for the plain format.
func (a *app) render(w io.Writer, v any, text func(io.Writer) error) error {
	if a.output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	return text(w)
}
