package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

func newCatalogValidator(t *testing.T) *validation.CatalogValidator {
	t.Helper()
	exprs, err := expressions.NewSet()
	require.NoError(t, err)
	cv, err := validation.NewCatalogValidator(exprs)
	require.NoError(t, err)
	return cv
}

func TestReadCatalog_SampleYAML(t *testing.T) {
	raw, err := readCatalog(filepath.Join("..", "..", "examples", "catalog.yaml"))
	require.NoError(t, err)

	var cat schema.Catalog
	require.NoError(t, json.Unmarshal(raw, &cat))
	require.Len(t, cat.Services, 2)
	assert.Equal(t, "Web Design", cat.Services[0].Title)

	fee := cat.Services[1].Steps[2]
	assert.Equal(t, schema.StepPayment, fee.Type)
	assert.Equal(t, int64(15000), fee.Amount)
	assert.Equal(t, "1", cat.Services[1].Steps[1].DefaultCountryCode)

	var out bytes.Buffer
	assert.True(t, checkCatalog(&out, newCatalogValidator(t), raw), out.String())
	assert.Contains(t, out.String(), "ok: 2 services")
}

func TestReadCatalog_JSONPassesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	doc := `{"services":[{"title":"A","steps":[{"id":"q","type":"text"}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	raw, err := readCatalog(path)
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(raw))
}

func TestReadCatalog_Errors(t *testing.T) {
	_, err := readCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services: [unclosed"), 0o600))
	_, err = readCatalog(path)
	assert.ErrorContains(t, err, "yaml")
}

func TestCheckCatalog_ReportsIssues(t *testing.T) {
	cv := newCatalogValidator(t)

	t.Run("semantic errors and warnings", func(t *testing.T) {
		doc := `{"services":[
			{"title":"Dup","steps":[{"id":"a","type":"text"},{"id":"a","type":"text"}]}
		]}`
		var out bytes.Buffer
		assert.False(t, checkCatalog(&out, cv, []byte(doc)))
		assert.Contains(t, out.String(), "error: ")
		assert.Contains(t, out.String(), "warning: ")
		assert.Contains(t, out.String(), "services with errors: [0]")
		assert.Contains(t, out.String(), "invalid: ")
	})

	t.Run("structural error", func(t *testing.T) {
		var out bytes.Buffer
		assert.False(t, checkCatalog(&out, cv, []byte(`{"services":[]}`)))
		assert.Contains(t, out.String(), "error: ")
	})

	t.Run("not json", func(t *testing.T) {
		var out bytes.Buffer
		assert.False(t, checkCatalog(&out, cv, []byte(`nope`)))
		assert.Contains(t, out.String(), "error: ")
	})
}
