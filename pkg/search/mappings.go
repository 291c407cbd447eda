package search

import (
	"embed"
	"fmt"
)

//go:embed mappings/*.json
var mappings embed.FS

// Mapping returns the index settings and mappings of a family.
func Mapping(f Family) ([]byte, error) {
	raw, err := mappings.ReadFile("mappings/" + string(f) + ".json")
	if err != nil {
		return nil, fmt.Errorf("no mapping for %s: %w", f, err)
	}
	return raw, nil
}
