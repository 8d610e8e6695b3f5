// Package relativize converts between absolute filesystem paths and the portable
// identifiers stored in persisted build state.
//
// Two domains exist and they deliberately do not share an interface:
//
//   - SourceRelativizer encodes project sources relative to a base directory
//     (or its parent, using a "../" marker) and decodes them back.
//   - OutputRelativizer only accepts strings that are already relative to an
//     output root. There is no way to derive an output identifier from an
//     absolute path, so passing an output through the source codec, or the
//     reverse, does not compile.
//
// Identifiers always use '/' separators and Unicode NFC so that state written
// in one sandbox can be read in another with a different absolute base.
package relativize

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
)

// ParentMarker prefixes identifiers of sources located under the parent of the base directory.
const ParentMarker = "../"

// ParentDir is the identifier of the parent of the base directory itself.
const ParentDir = ".."

var (
	// ErrOutsideProject is returned for source paths under neither the base directory nor its parent.
	ErrOutsideProject = errors.DomainMisuseError("path is outside the project tree").Build()
	// ErrInvalidIdentifier is returned for relative identifiers that cannot be decoded in their domain.
	ErrInvalidIdentifier = errors.DomainMisuseError("invalid relative identifier").Build()
	// ErrAbsoluteOutput is returned when an absolute path is registered as an output.
	ErrAbsoluteOutput = errors.DomainMisuseError("outputs must be registered relative to an output root").Build()
)

// SourceRelativizer is the SOURCE domain codec.
type SourceRelativizer interface {
	// ToRelative encodes an absolute source path.
	ToRelative(absPath string) (string, error)
	// ToAbsolute decodes an identifier produced by ToRelative.
	ToAbsolute(rel string) (string, error)
}

// OutputRelativizer is the OUTPUT domain codec.
type OutputRelativizer interface {
	// Raw validates a path that is already relative to the output root and
	// returns its canonical identifier.
	Raw(rel string) (string, error)
	// ToAbsolute resolves an identifier against the output root.
	ToAbsolute(rel string) string
}

// BaseDirResolver resolves the canonical project base directory.
type BaseDirResolver interface {
	BaseDir() (string, error)
}

// StaticBaseDir is a BaseDirResolver returning a fixed directory.
type StaticBaseDir string

func (d StaticBaseDir) BaseDir() (string, error) { return string(d), nil }

// PathTypeAware bundles both domains for components that handle sources and outputs.
type PathTypeAware struct {
	Source SourceRelativizer
	Output OutputRelativizer
}

// New creates a PathTypeAware relativizer for baseDir. outputRoot may be empty,
// in which case output identifiers resolve to relative filesystem paths owned by the caller.
func New(baseDir, outputRoot string) (*PathTypeAware, error) {
	src, err := NewSource(baseDir)
	if err != nil {
		return nil, err
	}
	return &PathTypeAware{Source: src, Output: NewOutput(outputRoot)}, nil
}

// NewFromResolver creates a PathTypeAware relativizer whose base directory comes from r.
func NewFromResolver(r BaseDirResolver, outputRoot string) (*PathTypeAware, error) {
	baseDir, err := r.BaseDir()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "resolve project base directory").Build()
	}
	return New(baseDir, outputRoot)
}

// Canonical returns the canonical form of an absolute source path: cleaned,
// '/'-separated and NFC normalized. Descriptor keys are canonical paths.
func Canonical(p string) string {
	if p == "" {
		return ""
	}
	return norm.NFC.String(path.Clean(filepath.ToSlash(p)))
}

type sourceRelativizer struct {
	baseDir      string
	baseDirSlash string
	parent       string
	parentSlash  string
}

// NewSource creates the SOURCE domain codec for an absolute base directory.
func NewSource(baseDir string) (SourceRelativizer, error) {
	canonical := Canonical(baseDir)
	if canonical == "" || (!path.IsAbs(canonical) && !filepath.IsAbs(baseDir)) {
		return nil, errors.ConfigError("project base directory must be an absolute path").
			WithContext("base_dir", baseDir).
			Build()
	}
	parent := path.Dir(canonical)
	if parent == canonical {
		return nil, errors.ConfigError("project base directory must not be a filesystem root").
			WithContext("base_dir", baseDir).
			Build()
	}
	return &sourceRelativizer{
		baseDir:      canonical,
		baseDirSlash: withSlash(canonical),
		parent:       parent,
		parentSlash:  withSlash(parent),
	}, nil
}

func withSlash(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}

func (r *sourceRelativizer) ToRelative(absPath string) (string, error) {
	p := Canonical(absPath)
	switch {
	case p == r.baseDir:
		return ".", nil
	case strings.HasPrefix(p, r.baseDirSlash):
		return p[len(r.baseDirSlash):], nil
	case p == r.parent:
		return ParentDir, nil
	case strings.HasPrefix(p, r.parentSlash):
		return ParentMarker + p[len(r.parentSlash):], nil
	}
	return "", ErrOutsideProject.
		WithContext("path", absPath).
		WithContext("base_dir", r.baseDirSlash).
		WithContext("parent_dir", r.parentSlash)
}

func (r *sourceRelativizer) ToAbsolute(rel string) (string, error) {
	rel = norm.NFC.String(filepath.ToSlash(rel))
	if rel == ParentDir {
		return r.parent, nil
	}
	root := r.baseDir
	if trimmed, ok := strings.CutPrefix(rel, ParentMarker); ok {
		root, rel = r.parent, trimmed
	}
	if rel == "" || path.IsAbs(rel) {
		return "", ErrInvalidIdentifier.WithContext("identifier", rel).WithContext("domain", "source")
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidIdentifier.WithContext("identifier", rel).WithContext("domain", "source")
	}
	if cleaned == "." {
		return root, nil
	}
	return root + "/" + cleaned, nil
}

type outputRelativizer struct {
	root string
}

// NewOutput creates the OUTPUT domain codec. root may be empty.
func NewOutput(root string) OutputRelativizer {
	return &outputRelativizer{root: root}
}

func (r *outputRelativizer) Raw(rel string) (string, error) {
	if rel == "" {
		return "", ErrInvalidIdentifier.WithContext("identifier", rel).WithContext("domain", "output")
	}
	if filepath.IsAbs(rel) || path.IsAbs(filepath.ToSlash(rel)) {
		return "", ErrAbsoluteOutput.WithContext("path", rel)
	}
	return norm.NFC.String(path.Clean(filepath.ToSlash(rel))), nil
}

func (r *outputRelativizer) ToAbsolute(rel string) string {
	if r.root == "" {
		return filepath.FromSlash(rel)
	}
	return filepath.Join(r.root, filepath.FromSlash(rel))
}
