package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
)

type backend string

const (
	backendSQLite backend = "sqlite"
	backendJSON   backend = "json"
)

func newBackends() *Normalizer[backend] {
	return New("state backend", map[string]backend{
		"sqlite":  backendSQLite,
		"sqlite3": backendSQLite,
		"json":    backendJSON,
	}, backendSQLite)
}

func TestNormalize(t *testing.T) {
	n := newBackends()
	tests := []struct {
		name  string
		input string
		want  backend
	}{
		{"exact match", "json", backendJSON},
		{"case insensitive", "JSON", backendJSON},
		{"with spaces", "  sqlite3 ", backendSQLite},
		{"unknown falls back", "postgres", backendSQLite},
		{"empty falls back", "", backendSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.input))
		})
	}
}

func TestParse(t *testing.T) {
	n := newBackends()

	v, err := n.Parse(" Json ")
	require.NoError(t, err)
	assert.Equal(t, backendJSON, v)

	v, err = n.Parse("")
	require.NoError(t, err)
	assert.Equal(t, backendSQLite, v)

	_, err = n.Parse("postgres")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
	ce, ok := errors.AsClassified(err)
	require.True(t, ok)
	valid, _ := ce.Context().GetString("valid")
	assert.Equal(t, "json, sqlite, sqlite3", valid)
}

func TestKeysIsACopy(t *testing.T) {
	n := newBackends()
	keys := n.Keys()
	keys[0] = "mutated"
	assert.Equal(t, []string{"json", "sqlite", "sqlite3"}, n.Keys())
}
