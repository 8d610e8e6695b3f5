package targetstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/consumer"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/round"
)

type env struct {
	baseDir string
	outDir  string
	store   persist.Store
	paths   *relativize.PathTypeAware
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	baseDir := filepath.Join(root, "project")
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	store, err := persist.Open(persist.BackendSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	paths, err := relativize.New(baseDir, outDir)
	require.NoError(t, err)
	return &env{baseDir: baseDir, outDir: outDir, store: store, paths: paths}
}

func (e *env) src(name string) string { return relativize.Canonical(filepath.Join(e.baseDir, "src", name)) }

func (e *env) write(t *testing.T, rel string) {
	t.Helper()
	path := filepath.Join(e.outDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
}

func TestOpenSaveReload(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths)

	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Store.Size(), "a target without saved state starts empty")

	again, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	assert.Same(t, st, again)

	st.Store.GetOrCreate(e.src("A.java"))
	st.Store.GetOrCreate(e.src("B.kt"))
	require.NoError(t, st.Outputs.AppendRawRelativeOutput(e.src("A.java"), "A.class"))
	require.NoError(t, st.Stamps.MarkAsUpToDate([]string{e.src("A.java")}))
	require.NoError(t, reg.Checkpoint(t.Context()))

	reloaded, err := New(e.store, e.paths).Open(t.Context(), "app")
	require.NoError(t, err)
	assert.Equal(t, st.Store.GetFinalList(), reloaded.Store.GetFinalList())
}

func TestRegistryServesChunkConsumer(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths)
	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	st.Store.GetOrCreate(e.src("A.java"))

	chunk := consumer.NewChunk(reg)
	require.NoError(t, chunk.RegisterOutputFile("app", "A.class", []string{e.src("A.java")}))
	assert.Equal(t, []string{"A.class"}, st.Outputs.GetOutputs(e.src("A.java")))
	assert.ErrorIs(t, chunk.RegisterOutputFile("lib", "L.class", nil), consumer.ErrTargetNotOpen)
}

func TestPruneRemovesDescriptors(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths)
	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	st.Store.GetOrCreate(e.src("A.java"))
	st.Store.GetOrCreate(e.src("B.kt"))

	st.Outputs.Remove(e.src("A.java"))
	_, known := st.Store.Get(e.src("A.java"))
	require.True(t, known)

	n, err := reg.Prune(t.Context(), "app", []string{e.src("A.java"), e.src("Missing.java")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, known = st.Store.Get(e.src("A.java"))
	assert.False(t, known)
	assert.Equal(t, 1, st.Store.Size())
}

func TestForgetDeletesOutputsThenPrunes(t *testing.T) {
	e := newEnv(t)
	failing := filepath.Join(e.outDir, "B.class")
	reg := New(e.store, e.paths, WithFileRemover(func(path string) error {
		if path == failing {
			return os.ErrPermission
		}
		return os.Remove(path)
	}))
	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	for _, name := range []string{"A", "B"} {
		st.Store.GetOrCreate(e.src(name + ".java"))
		require.NoError(t, st.Outputs.AppendRawRelativeOutput(e.src(name+".java"), name+".class"))
		e.write(t, name+".class")
	}

	report, n, err := reg.Forget(t.Context(), "app", []string{e.src("A.java"), e.src("B.java")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"A.class"}, report.Deleted)
	assert.Equal(t, []string{"B.class"}, report.Failed)

	_, known := st.Store.Get(e.src("A.java"))
	assert.False(t, known)
	assert.Equal(t, []string{"B.class"}, st.Outputs.GetOutputs(e.src("B.java")))
	_, err = os.Stat(filepath.Join(e.outDir, "A.class"))
	assert.True(t, os.IsNotExist(err))
}

func TestPendingRemovalsSurviveRestart(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths)
	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	for _, name := range []string{"A", "B"} {
		st.Store.GetOrCreate(e.src(name + ".java"))
		require.NoError(t, st.Outputs.AppendRawRelativeOutput(e.src(name+".java"), name+".class"))
		e.write(t, name+".class")
	}
	require.NoError(t, st.Stamps.MarkAsUpToDate([]string{e.src("A.java"), e.src("B.java")}))

	st.Tracker.NotifyRemoved(e.src("A.java"))
	require.NoError(t, reg.Close(t.Context()))

	restarted, err := New(e.store, e.paths).Open(t.Context(), "app")
	require.NoError(t, err)
	assert.Equal(t, []string{e.src("A.java")}, restarted.Tracker.PendingRemovals())

	_, err = restarted.Tracker.BeginRound(t.Context(), round.Incremental)
	require.NoError(t, err)
	res, err := restarted.Tracker.Commit(t.Context(), round.NewContext())
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, []string{"A.class"}, res.Cleanup.Deleted)
	_, err = os.Stat(filepath.Join(e.outDir, "A.class"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, restarted.Tracker.PendingRemovals())
}

func TestCleanStaleTargets(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths)

	for _, target := range []string{"app", "gone"} {
		st, err := reg.Open(t.Context(), target)
		require.NoError(t, err)
		st.Store.GetOrCreate(e.src(target + ".java"))
		require.NoError(t, st.Outputs.AppendRawRelativeOutput(e.src(target+".java"), target+"/Main.class"))
		e.write(t, target+"/Main.class")
	}
	require.NoError(t, reg.Checkpoint(t.Context()))

	fresh := New(e.store, e.paths)
	cleaned, err := fresh.CleanStaleTargets(t.Context(), []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, cleaned)

	_, err = os.Stat(filepath.Join(e.outDir, "gone", "Main.class"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(e.outDir, "app", "Main.class"))
	assert.NoError(t, err)

	targets, err := fresh.PersistedTargets(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, targets)
	_, open := fresh.Get("gone")
	assert.False(t, open)
}

func TestCleanStaleTargetKeepsUndeletedOutputs(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths, WithFileRemover(func(string) error { return os.ErrPermission }))

	st, err := reg.Open(t.Context(), "gone")
	require.NoError(t, err)
	st.Store.GetOrCreate(e.src("A.java"))
	require.NoError(t, st.Outputs.AppendRawRelativeOutput(e.src("A.java"), "A.class"))

	report, err := reg.CleanStaleTarget(t.Context(), "gone")
	require.ErrorIs(t, err, ErrOutputsNotDeleted)
	assert.Equal(t, []string{"A.class"}, report.Failed)

	records, err := e.store.Load(t.Context(), "gone")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"A.class"}, records[0].Outputs)
}

func TestRoundThroughRegistry(t *testing.T) {
	e := newEnv(t)
	reg := New(e.store, e.paths, WithRoots(filepath.Join(e.baseDir, "src")))
	st, err := reg.Open(t.Context(), "app")
	require.NoError(t, err)
	st.Store.GetOrCreate(e.src("A.java"))

	delta, err := st.Tracker.BeginRound(t.Context(), round.Incremental)
	require.NoError(t, err)
	assert.Equal(t, []string{relativize.Canonical(filepath.Join(e.baseDir, "src"))}, delta.Roots())

	_, err = st.Tracker.Commit(t.Context(), round.NewContext())
	require.NoError(t, err)
	require.NoError(t, reg.Save(t.Context(), "app"))

	records, err := e.store.Load(t.Context(), "app")
	require.NoError(t, err)
	assert.Equal(t, []persist.Record{{Source: "src/A.java", Outputs: []string{}}}, records)
}
