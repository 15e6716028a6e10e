package merge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffLines(t *testing.T) {
	base := []string{"a", "b", "c", "d"}

	t.Run("no change", func(t *testing.T) {
		assert.Empty(t, diffLines(base, base))
	})

	t.Run("single replacement", func(t *testing.T) {
		hunks := diffLines(base, []string{"a", "B", "c", "d"})
		require.Len(t, hunks, 1)
		assert.Equal(t, 1, hunks[0].baseStart)
		assert.Equal(t, 1, hunks[0].baseCount)
		assert.Equal(t, []string{"B"}, hunks[0].lines)
	})

	t.Run("append at end", func(t *testing.T) {
		hunks := diffLines(base, []string{"a", "b", "c", "d", "e"})
		require.Len(t, hunks, 1)
		assert.Equal(t, 4, hunks[0].baseStart)
		assert.Equal(t, 0, hunks[0].baseCount)
		assert.Equal(t, []string{"e"}, hunks[0].lines)
	})

	t.Run("insert at top stays local", func(t *testing.T) {
		hunks := diffLines(base, []string{"x", "a", "b", "c", "d"})
		require.Len(t, hunks, 1)
		assert.Equal(t, 0, hunks[0].baseStart)
		assert.Equal(t, 0, hunks[0].baseCount)
		assert.Equal(t, []string{"x"}, hunks[0].lines)
	})

	t.Run("deletion in the middle stays local", func(t *testing.T) {
		hunks := diffLines(base, []string{"a", "c", "d"})
		require.Len(t, hunks, 1)
		assert.Equal(t, 1, hunks[0].baseStart)
		assert.Equal(t, 1, hunks[0].baseCount)
		assert.Empty(t, hunks[0].lines)
	})

	t.Run("two separated edits", func(t *testing.T) {
		hunks := diffLines(base, []string{"A", "b", "c", "D"})
		require.Len(t, hunks, 2)
		assert.Equal(t, 0, hunks[0].baseStart)
		assert.Equal(t, 3, hunks[1].baseStart)
	})
}

func TestHunkOverlap(t *testing.T) {
	a := hunk{baseStart: 0, baseCount: 2}
	b := hunk{baseStart: 1, baseCount: 2}
	c := hunk{baseStart: 2, baseCount: 1}

	assert.True(t, a.overlaps(b))
	assert.True(t, b.overlaps(a))
	assert.False(t, a.overlaps(c))

	// Two insertions at the same point collide.
	i1 := hunk{baseStart: 1, baseCount: 0}
	i2 := hunk{baseStart: 1, baseCount: 0}
	assert.True(t, i1.overlaps(i2))
}

func TestThreeWayTextDisjointEdits(t *testing.T) {
	base := []byte("one\ntwo\nthree\nfour\nfive")
	mine := []byte("ONE\ntwo\nthree\nfour\nfive")
	theirs := []byte("one\ntwo\nthree\nfour\nFIVE")

	merged, ok := threeWayText(base, mine, theirs)
	require.True(t, ok)
	assert.Equal(t, "ONE\ntwo\nthree\nfour\nFIVE", string(merged))
}

func TestThreeWayTextInsertAtTopAndDistantEdit(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = fmt.Sprintf("line-%d", i)
	}
	base := []byte(strings.Join(lines, "\n"))

	mineLines := append([]string{"header"}, lines...)
	mine := []byte(strings.Join(mineLines, "\n"))

	theirLines := make([]string, len(lines))
	copy(theirLines, lines)
	theirLines[7] = "rewritten"
	theirs := []byte(strings.Join(theirLines, "\n"))

	merged, ok := threeWayText(base, mine, theirs)
	require.True(t, ok)

	wantLines := append([]string{"header"}, theirLines...)
	assert.Equal(t, strings.Join(wantLines, "\n"), string(merged))
}

func TestThreeWayTextBothSidesInsert(t *testing.T) {
	base := []byte("a\nb\nc")
	mine := []byte("start\na\nb\nc")
	theirs := []byte("a\nb\nc\nend")

	merged, ok := threeWayText(base, mine, theirs)
	require.True(t, ok)
	assert.Equal(t, "start\na\nb\nc\nend", string(merged))
}

func TestThreeWayTextOverlappingEdits(t *testing.T) {
	base := []byte("one\ntwo\nthree")
	mine := []byte("one\nTWO-mine\nthree")
	theirs := []byte("one\nTWO-theirs\nthree")

	_, ok := threeWayText(base, mine, theirs)
	assert.False(t, ok)
}

func TestThreeWayTextOneSideUnchanged(t *testing.T) {
	base := []byte("a\nb")
	mine := []byte("a\nb\nc")

	merged, ok := threeWayText(base, mine, base)
	require.True(t, ok)
	assert.Equal(t, "a\nb\nc", string(merged))
}

func TestThreeWayTree(t *testing.T) {
	base := map[string]string{"name": "loom", "lang": "go", "stale": "yes"}

	t.Run("disjoint field edits compose", func(t *testing.T) {
		mine := map[string]string{"name": "loom-ng", "lang": "go", "stale": "yes"}
		// Theirs drops "stale" and adds "extra".
		theirs := map[string]string{"name": "loom", "lang": "go", "extra": "new"}

		merged, ok := threeWayTree(base, mine, theirs)
		require.True(t, ok)
		assert.Equal(t, map[string]string{
			"name":  "loom-ng",
			"lang":  "go",
			"extra": "new",
		}, merged)
	})

	t.Run("same edit on both sides is not a conflict", func(t *testing.T) {
		mine := map[string]string{"name": "renamed", "lang": "go", "stale": "yes"}
		theirs := map[string]string{"name": "renamed", "lang": "go", "stale": "yes"}

		merged, ok := threeWayTree(base, mine, theirs)
		require.True(t, ok)
		assert.Equal(t, "renamed", merged["name"])
	})

	t.Run("divergent edits to one field conflict", func(t *testing.T) {
		mine := map[string]string{"name": "mine", "lang": "go", "stale": "yes"}
		theirs := map[string]string{"name": "theirs", "lang": "go", "stale": "yes"}

		_, ok := threeWayTree(base, mine, theirs)
		assert.False(t, ok)
	})

	t.Run("delete versus edit conflicts", func(t *testing.T) {
		mine := map[string]string{"lang": "go", "stale": "yes"}
		theirs := map[string]string{"name": "changed", "lang": "go", "stale": "yes"}

		_, ok := threeWayTree(base, mine, theirs)
		assert.False(t, ok)
	})
}

func TestApplyHunksComposesSortedEdits(t *testing.T) {
	base := []string{"a", "b", "c", "d"}
	hunks := sortHunks([]hunk{
		{baseStart: 3, baseCount: 1, lines: []string{"D"}},
		{baseStart: 0, baseCount: 1, lines: []string{"A"}},
	})

	assert.Equal(t, []string{"A", "b", "c", "D"}, applyHunks(base, hunks))
}
