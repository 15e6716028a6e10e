package merge

import "strings"

// hunk is one contiguous changed region relative to a base version.
type hunk struct {
	baseStart int
	baseCount int
	newStart  int
	newCount  int
	lines     []string
}

func (h hunk) overlaps(other hunk) bool {
	// Pure insertions occupy the gap before baseStart, so two insertions
	// collide only when they target the same gap.
	if h.baseCount == 0 && other.baseCount == 0 {
		return h.baseStart == other.baseStart
	}
	selfEnd := h.baseStart + h.baseCount
	otherEnd := other.baseStart + other.baseCount
	return !(selfEnd <= other.baseStart || otherEnd <= h.baseStart)
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}

func joinLines(lines []string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

// diffLines computes change hunks between a base and a modified version from
// a minimal Myers edit script, so an insertion or deletion early in the file
// does not smear into edits further down.
func diffLines(base, modified []string) []hunk {
	return hunksFromScript(editScript(base, modified))
}

type editKind int

const (
	editKeep editKind = iota
	editDelete
	editInsert
)

type editOp struct {
	kind editKind
	line string
}

// editScript computes a minimal edit script between base and modified with
// Myers' greedy O(ND) algorithm.
func editScript(base, modified []string) []editOp {
	n, m := len(base), len(modified)
	switch {
	case n == 0 && m == 0:
		return nil
	case n == 0:
		ops := make([]editOp, m)
		for j, line := range modified {
			ops[j] = editOp{kind: editInsert, line: line}
		}
		return ops
	case m == 0:
		ops := make([]editOp, n)
		for i := range ops {
			ops[i] = editOp{kind: editDelete}
		}
		return ops
	}

	max := n + m
	offset := max
	v := make([]int, 2*max+1)
	var trace [][]int

	for depth := 0; depth <= max; depth++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -depth; k <= depth; k += 2 {
			var x int
			if k == -depth || (k != depth && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && base[x] == modified[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				return backtrack(trace, base, modified, offset)
			}
		}
	}
	return nil
}

// backtrack walks the depth trace from the end of both sequences back to the
// origin, emitting the edit script in reverse.
func backtrack(trace [][]int, base, modified []string, offset int) []editOp {
	var rev []editOp
	x, y := len(base), len(modified)

	for depth := len(trace) - 1; depth > 0; depth-- {
		vPrev := trace[depth]
		k := x - y

		var prevK int
		if k == -depth || (k != depth && vPrev[offset+k-1] < vPrev[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := vPrev[offset+prevK]
		prevY := prevX - prevK

		afterX, afterY := prevX, prevY+1
		if prevK < k {
			afterX, afterY = prevX+1, prevY
		}
		for x > afterX && y > afterY {
			x--
			y--
			rev = append(rev, editOp{kind: editKeep})
		}

		if prevK < k {
			x--
			rev = append(rev, editOp{kind: editDelete})
		} else {
			y--
			rev = append(rev, editOp{kind: editInsert, line: modified[y]})
		}
	}

	for x > 0 && y > 0 {
		x--
		y--
		rev = append(rev, editOp{kind: editKeep})
	}

	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// hunksFromScript groups consecutive non-keep edits into hunks, tracking the
// base and modified cursors across the script.
func hunksFromScript(ops []editOp) []hunk {
	var hunks []hunk
	i, j := 0, 0

	for idx := 0; idx < len(ops); {
		if ops[idx].kind == editKeep {
			i++
			j++
			idx++
			continue
		}

		h := hunk{baseStart: i, newStart: j}
		for idx < len(ops) && ops[idx].kind != editKeep {
			if ops[idx].kind == editDelete {
				h.baseCount++
				i++
			} else {
				h.lines = append(h.lines, ops[idx].line)
				h.newCount++
				j++
			}
			idx++
		}
		hunks = append(hunks, h)
	}

	return hunks
}

func hunksOverlap(a, b []hunk) bool {
	for _, ha := range a {
		for _, hb := range b {
			if ha.overlaps(hb) {
				return true
			}
		}
	}
	return false
}

// applyHunks rewrites base with the given hunks, which must be sorted by
// baseStart and non-overlapping.
func applyHunks(base []string, hunks []hunk) []string {
	var result []string
	current := 0

	for _, h := range hunks {
		for current < h.baseStart && current < len(base) {
			result = append(result, base[current])
			current++
		}
		result = append(result, h.lines...)
		current += h.baseCount
	}

	for current < len(base) {
		result = append(result, base[current])
		current++
	}

	return result
}

func sortHunks(hunks []hunk) []hunk {
	out := make([]hunk, len(hunks))
	copy(out, hunks)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].baseStart < out[j-1].baseStart; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// threeWayText merges two divergent descendants of base at line granularity.
// Non-overlapping hunk sets compose; overlapping ones report ok=false.
func threeWayText(base, mine, theirs []byte) ([]byte, bool) {
	baseLines := splitLines(base)
	mineHunks := diffLines(baseLines, splitLines(mine))
	theirHunks := diffLines(baseLines, splitLines(theirs))

	if hunksOverlap(mineHunks, theirHunks) {
		return nil, false
	}

	all := sortHunks(append(mineHunks, theirHunks...))
	return joinLines(applyHunks(baseLines, all)), true
}

// threeWayTree merges structured payload fields. Disjoint field edits
// compose; divergent edits to one field report ok=false.
func threeWayTree(base, mine, theirs map[string]string) (map[string]string, bool) {
	merged := make(map[string]string)

	for field := range unionFields(base, mine, theirs) {
		value, ok := mergeField(base, mine, theirs, field)
		if !ok {
			return nil, false
		}
		if value != nil {
			merged[field] = *value
		}
	}

	return merged, true
}

func unionFields(maps ...map[string]string) map[string]struct{} {
	union := make(map[string]struct{})
	for _, m := range maps {
		for field := range m {
			union[field] = struct{}{}
		}
	}
	return union
}

// mergeField resolves one field across base/mine/theirs. A nil value with
// ok=true means the field was deleted.
func mergeField(base, mine, theirs map[string]string, field string) (*string, bool) {
	baseVal, baseHas := base[field]
	mineVal, mineHas := mine[field]
	theirVal, theirHas := theirs[field]

	mineChanged := mineHas != baseHas || mineVal != baseVal
	theirChanged := theirHas != baseHas || theirVal != baseVal

	switch {
	case !mineChanged && !theirChanged:
		return fieldValue(baseVal, baseHas), true
	case mineChanged && !theirChanged:
		return fieldValue(mineVal, mineHas), true
	case !mineChanged && theirChanged:
		return fieldValue(theirVal, theirHas), true
	case mineHas == theirHas && mineVal == theirVal:
		return fieldValue(mineVal, mineHas), true
	default:
		return nil, false
	}
}

func fieldValue(val string, present bool) *string {
	if !present {
		return nil
	}
	return &val
}
