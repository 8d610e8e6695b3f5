package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/targetstate"
)

type project struct {
	dir     string
	baseDir string
	outDir  string
	config  string
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{
		dir:     dir,
		baseDir: filepath.Join(dir, "project"),
		outDir:  filepath.Join(dir, "out"),
		config:  filepath.Join(dir, "buildstate.yaml"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(p.baseDir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(p.outDir, 0o755))
	require.NoError(t, os.WriteFile(p.config, []byte(`
project:
  base_dir: project
  output_root: out
state:
  backend: sqlite
  path: state.db
`), 0o600))
	return p
}

func (p *project) src(name string) string {
	return relativize.Canonical(filepath.Join(p.baseDir, "src", name))
}

func (p *project) output(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(p.outDir, rel), []byte("class"), 0o600))
}

func (p *project) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(p.outDir, rel))
	return err == nil
}

// seed saves target state with one up-to-date output per source.
func (p *project) seed(t *testing.T, target string, names ...string) {
	t.Helper()
	store, err := persist.Open(persist.BackendSQLite, filepath.Join(p.dir, "state.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	paths, err := relativize.New(p.baseDir, p.outDir)
	require.NoError(t, err)

	reg := targetstate.New(store, paths)
	st, err := reg.Open(t.Context(), target)
	require.NoError(t, err)
	for _, name := range names {
		src := p.src(name)
		st.Store.GetOrCreate(src)
		out := name[:len(name)-len(filepath.Ext(name))] + ".class"
		require.NoError(t, st.Outputs.AppendRawRelativeOutput(src, out))
		require.NoError(t, st.Stamps.MarkAsUpToDate([]string{src}))
		p.output(t, out)
	}
	require.NoError(t, reg.Checkpoint(t.Context()))
}

func (p *project) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Vars{"version": "test"},
		kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(append([]string{"--config", p.config}, args...))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = kctx.Run(&Global{Out: &buf}, &cli)
	return buf.String(), err
}

func (p *project) inspect(t *testing.T, args ...string) []inspectedSource {
	t.Helper()
	out, err := p.run(t, append([]string{"inspect", "--json"}, args...)...)
	require.NoError(t, err)
	var rows []inspectedSource
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	return rows
}

func TestInitWritesConfig(t *testing.T) {
	p := newProject(t)
	_, err := p.run(t, "init")
	require.Error(t, err, "existing configuration is kept")
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))

	out, err := p.run(t, "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, p.config)
}

func TestInspect(t *testing.T) {
	p := newProject(t)
	p.seed(t, "app", "A.java", "B.java")

	out, err := p.run(t, "inspect")
	require.NoError(t, err)
	assert.Equal(t, "app\n", out)

	rows := p.inspect(t, "app")
	assert.Equal(t, []inspectedSource{
		{Source: "src/A.java", Dirty: false, Outputs: []string{"A.class"}},
		{Source: "src/B.java", Dirty: false, Outputs: []string{"B.class"}},
	}, rows)

	table, err := p.run(t, "inspect", "app")
	require.NoError(t, err)
	assert.Contains(t, table, "SOURCE")
	assert.Contains(t, table, "src/A.java")
}

func TestMarkDirty(t *testing.T) {
	p := newProject(t)
	p.seed(t, "app", "A.java", "B.java")

	out, err := p.run(t, "mark-dirty", "app", p.src("A.java"), p.src("Unknown.java"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 marked dirty, 1 unknown ignored")

	rows := p.inspect(t, "app", "--dirty")
	require.Len(t, rows, 1)
	assert.Equal(t, "src/A.java", rows[0].Source)

	_, err = p.run(t, "mark-dirty", "app", "--all")
	require.NoError(t, err)
	assert.Len(t, p.inspect(t, "app", "--dirty"), 2)
}

func TestMarkDirtyValidation(t *testing.T) {
	p := newProject(t)
	_, err := p.run(t, "mark-dirty", "app")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	_, err = p.run(t, "mark-dirty", "app", "--since", "HEAD~1", "--all")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestMarkDirtyFromGit(t *testing.T) {
	p := newProject(t)
	repo, err := git.PlainInit(p.baseDir, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)
	for _, name := range []string{"A.java", "B.java"} {
		require.NoError(t, os.WriteFile(filepath.FromSlash(p.src(name)), []byte("class"), 0o600))
		_, err = w.Add("src/" + name)
		require.NoError(t, err)
	}
	_, err = w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com"},
	})
	require.NoError(t, err)
	p.seed(t, "app", "A.java", "B.java")

	require.NoError(t, os.WriteFile(filepath.FromSlash(p.src("A.java")), []byte("class A {}"), 0o600))
	require.NoError(t, os.Remove(filepath.FromSlash(p.src("B.java"))))

	out, err := p.run(t, "mark-dirty", "app", "--git")
	require.NoError(t, err)
	assert.Contains(t, out, "1 marked dirty, 0 unknown ignored, 1 deleted sources retired")

	rows := p.inspect(t, "app")
	require.Len(t, rows, 1)
	assert.Equal(t, "src/A.java", rows[0].Source)
	assert.True(t, rows[0].Dirty)
	assert.False(t, p.exists("B.class"))
	assert.True(t, p.exists("A.class"))
}

func TestPrune(t *testing.T) {
	p := newProject(t)
	p.seed(t, "app", "A.java", "B.java", "C.java")

	out, err := p.run(t, "prune", "app", p.src("A.java"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 sources pruned")
	assert.True(t, p.exists("A.class"), "plain prune leaves files alone")

	_, err = p.run(t, "prune", "app", "--delete-outputs", p.src("B.java"))
	require.NoError(t, err)
	assert.False(t, p.exists("B.class"))

	rows := p.inspect(t, "app")
	require.Len(t, rows, 1)
	assert.Equal(t, "src/C.java", rows[0].Source)
}

func TestCleanStale(t *testing.T) {
	p := newProject(t)
	p.seed(t, "app", "A.java")
	p.seed(t, "gone", "G.java")

	_, err := p.run(t, "clean-stale")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	out, err := p.run(t, "clean-stale", "--keep", "app")
	require.NoError(t, err)
	assert.Equal(t, "cleaned gone\n", out)
	assert.False(t, p.exists("G.class"))
	assert.True(t, p.exists("A.class"))

	targets, err := p.run(t, "inspect")
	require.NoError(t, err)
	assert.Equal(t, "app\n", targets)

	out, err = p.run(t, "clean-stale", "--target", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "app: 1 outputs deleted, 0 failed")
	assert.False(t, p.exists("A.class"))
}
