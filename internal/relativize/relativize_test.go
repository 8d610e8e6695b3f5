package relativize

import (
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
)

func TestSourceRoundTrip(t *testing.T) {
	r, err := NewSource("/work/sandbox/project")
	require.NoError(t, err)

	tests := []struct {
		name string
		abs  string
		rel  string
	}{
		{"under base", "/work/sandbox/project/src/main/A.java", "src/main/A.java"},
		{"base itself", "/work/sandbox/project", "."},
		{"parent itself", "/work/sandbox", ".."},
		{"under parent", "/work/sandbox/shared/B.kt", "../shared/B.kt"},
		{"sibling with base as name prefix", "/work/sandbox/project-gen/C.java", "../project-gen/C.java"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := r.ToRelative(tt.abs)
			require.NoError(t, err)
			assert.Equal(t, tt.rel, rel)

			abs, err := r.ToAbsolute(rel)
			require.NoError(t, err)
			assert.Equal(t, tt.abs, abs)
		})
	}
}

func TestSourceIdentifiersArePortable(t *testing.T) {
	first, err := NewSource("/sandbox/1/execroot/project")
	require.NoError(t, err)
	second, err := NewSource("/sandbox/2/execroot/project")
	require.NoError(t, err)

	rel, err := first.ToRelative("/sandbox/1/execroot/project/src/A.java")
	require.NoError(t, err)

	abs, err := second.ToAbsolute(rel)
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/2/execroot/project/src/A.java", abs)
}

func TestSourceOutsideProject(t *testing.T) {
	r, err := NewSource("/work/project")
	require.NoError(t, err)

	_, err = r.ToRelative("/etc/passwd")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrOutsideProject))
	assert.True(t, errors.HasCategory(err, errors.CategoryDomainMisuse))
	assert.Contains(t, err.Error(), "/etc/passwd")
	assert.Contains(t, err.Error(), "/work/project/")
	assert.Contains(t, err.Error(), "/work/")
}

func TestSourceInvalidIdentifiers(t *testing.T) {
	r, err := NewSource("/work/project")
	require.NoError(t, err)

	for _, rel := range []string{"", "../", "/abs/A.java", "a/../../escape", "../../two-up"} {
		t.Run(rel, func(t *testing.T) {
			_, err := r.ToAbsolute(rel)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
		})
	}
}

func TestSourceUnicodeNormalization(t *testing.T) {
	r, err := NewSource("/work/project")
	require.NoError(t, err)

	// "é" as 'e' + combining acute accent (NFD) and as a single code point (NFC).
	decomposed := "/work/project/caf\u0065\u0301/A.java"
	composed := "/work/project/caf\u00e9/A.java"

	relD, err := r.ToRelative(decomposed)
	require.NoError(t, err)
	relC, err := r.ToRelative(composed)
	require.NoError(t, err)
	assert.Equal(t, relC, relD)
}

func TestNewSourceValidation(t *testing.T) {
	_, err := NewSource("relative/dir")
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))

	_, err = NewSource("/")
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
}

func TestOutputDomain(t *testing.T) {
	out := NewOutput("/out/classes")

	rel, err := out.Raw(filepath.FromSlash("com/acme/A.class"))
	require.NoError(t, err)
	assert.Equal(t, "com/acme/A.class", rel)
	assert.Equal(t, filepath.Join("/out/classes", "com", "acme", "A.class"), out.ToAbsolute(rel))

	_, err = out.Raw("/out/classes/com/acme/A.class")
	assert.ErrorIs(t, err, ErrAbsoluteOutput)

	_, err = out.Raw("")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	passthrough := NewOutput("")
	assert.Equal(t, filepath.FromSlash("META-INF/main.kotlin_module"), passthrough.ToAbsolute("META-INF/main.kotlin_module"))
}

func TestNewFromResolver(t *testing.T) {
	rel, err := NewFromResolver(StaticBaseDir("/work/project"), "/out")
	require.NoError(t, err)

	id, err := rel.Source.ToRelative("/work/project/A.java")
	require.NoError(t, err)
	assert.Equal(t, "A.java", id)
	assert.Equal(t, filepath.Join("/out", "A.class"), rel.Output.ToAbsolute("A.class"))

	_, err = NewFromResolver(failingResolver{}, "")
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
}

type failingResolver struct{}

func (failingResolver) BaseDir() (string, error) { return "", stderrors.New("no workspace") }
