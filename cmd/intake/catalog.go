package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

// readCatalog returns the catalog document at path as JSON. YAML files are
// converted so both formats go through the same schema check.
func readCatalog(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse catalog yaml: %w", err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert catalog yaml: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// checkCatalog runs the strict validation pipeline over a catalog document and
// prints every issue to w. It reports whether the catalog is usable.
func checkCatalog(w io.Writer, cv *validation.CatalogValidator, raw []byte) bool {
	cat, result, err := cv.Parse(raw)
	if result != nil {
		printIssues(w, result)
	}
	if err != nil {
		if result == nil || result.Valid() {
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		if refused := result.RefusedServices(); len(refused) > 0 {
			fmt.Fprintf(w, "services with errors: %v\n", refused)
		}
		fmt.Fprintf(w, "invalid: %s\n", result.Summary())
		return false
	}
	fmt.Fprintf(w, "ok: %d services (%s)\n", len(cat.Services), result.Summary())
	return true
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, is := range result.Issues() {
		fmt.Fprintln(w, is.String())
	}
}
