package outputs

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/relativize"
	"git.home.luguber.info/inful/buildstate/internal/srcstore"
)

const (
	srcA = "/p/src/A.java"
	srcB = "/p/src/B.kt"
)

func newMapping(t *testing.T, snaps ...srcstore.Snapshot) (*Mapping, *srcstore.Store) {
	t.Helper()
	store := srcstore.Restore("app", snaps)
	return New(store, relativize.NewOutput("/out")), store
}

func TestSetOutputsThenGetOutputs(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA})

	require.NoError(t, m.SetOutputs(srcA, []string{"a/A.class", "a/A$Inner.class", "a/A.class"}))

	assert.ElementsMatch(t, []string{"a/A.class", "a/A$Inner.class"}, m.GetOutputs(srcA))
	assert.ElementsMatch(t, []string{
		filepath.Join("/out", "a", "A.class"),
		filepath.Join("/out", "a", "A$Inner.class"),
	}, m.GetOutputPaths(srcA))
}

func TestSetOutputsUnknownSource(t *testing.T) {
	m, store := newMapping(t)

	assert.NoError(t, m.SetOutputs(srcA, nil), "clearing an unknown source is tolerated")
	assert.Equal(t, 0, store.Size())

	err := m.SetOutputs(srcA, []string{"A.class"})
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.True(t, errors.HasCategory(err, errors.CategoryUnknownSource))
}

func TestSetOutputsEmptyClearsKnown(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}})
	require.NoError(t, m.SetOutputs(srcA, []string{}))
	outs := m.GetOutputs(srcA)
	assert.NotNil(t, outs)
	assert.Empty(t, outs)
}

func TestSetOutputsRejectsAbsolutePaths(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}})
	err := m.SetOutputs(srcA, []string{"/out/A.class"})
	assert.ErrorIs(t, err, relativize.ErrAbsoluteOutput)
	assert.Equal(t, []string{"A.class"}, m.GetOutputs(srcA), "a rejected update leaves the set unchanged")
}

func TestAppendRawRelativeOutputIsIdempotent(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA})

	require.NoError(t, m.AppendRawRelativeOutput(srcA, "A.class"))
	require.NoError(t, m.AppendRawRelativeOutput(srcA, "A.class"))
	require.NoError(t, m.AppendOutput(srcA, filepath.FromSlash("./A.class")))
	assert.Equal(t, []string{"A.class"}, m.GetOutputs(srcA))

	assert.ErrorIs(t, m.AppendRawRelativeOutput(srcB, "B.class"), ErrUnknownSource)
	assert.Error(t, m.AppendRawRelativeOutput(srcA, ""))
}

func TestRemoveOutput(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class", "A$1.class", "A$2.class"}})

	removed, err := m.RemoveOutput(srcA, "A$1.class")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"A.class", "A$2.class"}, m.GetOutputs(srcA))

	removed, err = m.RemoveOutput(srcA, "missing.class")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, m.GetOutputs(srcA), 2)

	_, _ = m.RemoveOutput(srcA, "A.class")
	_, _ = m.RemoveOutput(srcA, "A$2.class")
	outs := m.GetOutputs(srcA)
	assert.NotNil(t, outs, "removing the last output leaves an empty set, not an unknown source")
	assert.Empty(t, outs)

	removed, err = m.RemoveOutput("/p/Unknown.java", "x.class")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveKeepsDescriptor(t *testing.T) {
	m, store := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}},
		srcstore.Snapshot{SourceFile: srcB, Outputs: []string{"B.class"}},
	)

	m.Remove(srcA)
	_, known := store.Get(srcA)
	assert.True(t, known, "the descriptor is only dropped by an explicit prune")
	assert.Empty(t, m.GetOutputs(srcA))

	m.RemoveAll([]string{srcA, srcB, "/p/Unknown.java"})
	assert.Empty(t, m.GetOutputs(srcB))
	assert.Equal(t, 2, store.Size())

	require.True(t, store.Remove(srcA))
	assert.Nil(t, m.GetOutputs(srcA))
}

func TestGetAndClearOutputs(t *testing.T) {
	m, _ := newMapping(t, srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class", "A$1.class"}})

	before := m.GetOutputs(srcA)
	taken := m.GetAndClearOutputs(srcA)
	assert.Equal(t, before, taken)
	assert.Empty(t, m.GetOutputs(srcA))

	assert.Nil(t, m.GetAndClearOutputs("/p/Unknown.java"))
}

func TestTakeUnclaimedOutputs(t *testing.T) {
	const srcC = "/p/src/C.java"
	m, _ := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class", "Both.class", "Kept.class"}},
		srcstore.Snapshot{SourceFile: srcB, Outputs: []string{"Both.class", "B.class"}},
		srcstore.Snapshot{SourceFile: srcC, Outputs: []string{"Kept.class", "C.class"}},
	)

	owned, shared := m.TakeUnclaimedOutputs([]string{srcA, srcB, "/p/src/Unknown.java"})
	assert.Equal(t, map[string][]string{
		srcA: {"A.class", "Both.class"},
		srcB: {"B.class"},
	}, owned)
	assert.Equal(t, []string{"Kept.class"}, shared)

	assert.Empty(t, m.GetOutputs(srcA))
	assert.Empty(t, m.GetOutputs(srcB))
	assert.Equal(t, []string{"Kept.class", "C.class"}, m.GetOutputs(srcC))
}

func TestCollectAffectedOutputs(t *testing.T) {
	m, _ := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}},
		srcstore.Snapshot{SourceFile: srcB, Outputs: []string{"B.class", "BKt.class"}},
	)

	into := []string{"pre-existing"}
	into = m.CollectAffectedOutputs([]string{srcA, srcB, "/p/Unknown.java"}, into)
	assert.Equal(t, []string{"pre-existing", "A.class", "B.class", "BKt.class"}, into)
}

func TestFindAffectedSourcesSharedArtifact(t *testing.T) {
	m, _ := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}},
		srcstore.Snapshot{SourceFile: srcB, Outputs: []string{"B.class", "A.class"}},
		srcstore.Snapshot{SourceFile: "/p/src/C.java", Outputs: []string{"C.class"}},
	)

	affected := m.FindAffectedSources([][]string{{"A.class"}})
	require.Len(t, affected, 2)
	assert.Equal(t, srcA, affected[0].SourceFile)
	assert.Equal(t, srcB, affected[1].SourceFile)
}

func TestFindAffectedSourcesSkipsInsignificantOutputs(t *testing.T) {
	m, _ := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class", "META-INF/app.kotlin_module"}},
		srcstore.Snapshot{SourceFile: srcB, Outputs: []string{"B.class", "META-INF/app.kotlin_module"}},
	)

	affected := m.FindAffectedSources([][]string{{"META-INF/app.kotlin_module"}})
	assert.Empty(t, affected)

	custom := New(srcstore.Restore("app", []srcstore.Snapshot{
		{SourceFile: srcA, Outputs: []string{"A.class", "META-INF/app.kotlin_module"}},
		{SourceFile: srcB, Outputs: []string{"B.class", "META-INF/app.kotlin_module"}},
	}), relativize.NewOutput(""), WithSignificance(func(string) bool { return true }))
	assert.Len(t, custom.FindAffectedSources([][]string{{"META-INF/app.kotlin_module"}}), 2)
}

func TestExcludeSuffixes(t *testing.T) {
	p := ExcludeSuffixes(".kotlin_module", ".marker")
	assert.False(t, p("META-INF/x.kotlin_module"))
	assert.False(t, p("a.marker"))
	assert.True(t, p("A.class"))
}

func TestConcurrentAppendAndRemove(t *testing.T) {
	m, store := newMapping(t, srcstore.Snapshot{SourceFile: srcA})

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.AppendRawRelativeOutput(srcA, fmt.Sprintf("A%d.class", i))
		}()
		go func() {
			defer wg.Done()
			_ = m.GetAndClearOutputs(srcA)
		}()
	}
	wg.Wait()

	_, known := store.Get(srcA)
	assert.True(t, known)
	outs := m.GetOutputs(srcA)
	seen := map[string]bool{}
	for _, o := range outs {
		assert.False(t, seen[o], "duplicate output %s", o)
		seen[o] = true
	}
}

func TestForEachVisitsPairs(t *testing.T) {
	m, _ := newMapping(t,
		srcstore.Snapshot{SourceFile: srcA, Outputs: []string{"A.class"}},
		srcstore.Snapshot{SourceFile: srcB},
	)

	got := map[string][]string{}
	m.ForEach(func(source string, outs []string) bool {
		got[source] = outs
		return true
	})
	assert.Equal(t, map[string][]string{srcA: {"A.class"}, srcB: {}}, got)
}
