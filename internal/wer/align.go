package wer

// EditKind classifies one step of a word alignment.
type EditKind string

const (
	Hit          EditKind = "hit"
	Substitution EditKind = "substitution"
	Deletion     EditKind = "deletion"
	Insertion    EditKind = "insertion"
)

// Edit is one aligned pair. Ref is empty for insertions and Hyp for deletions.
type Edit struct {
	Kind EditKind `json:"kind"`
	Ref  string   `json:"ref,omitempty"`
	Hyp  string   `json:"hyp,omitempty"`
}

// WagnerFischer aligns ref to hyp with the full O(n*m) edit distance table.
// Ties prefer a diagonal step, then a deletion.
func WagnerFischer(ref, hyp []string) []Edit {
	n, m := len(ref), len(hyp)
	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			diag := d[i-1][j-1]
			if ref[i-1] != hyp[j-1] {
				diag++
			}
			d[i][j] = min(diag, d[i-1][j]+1, d[i][j-1]+1)
		}
	}

	edits := make([]Edit, 0, max(n, m))
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && d[i][j] == d[i-1][j-1]:
			edits = append(edits, Edit{Kind: Hit, Ref: ref[i-1], Hyp: hyp[j-1]})
			i, j = i-1, j-1
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			edits = append(edits, Edit{Kind: Substitution, Ref: ref[i-1], Hyp: hyp[j-1]})
			i, j = i-1, j-1
		case i > 0 && d[i][j] == d[i-1][j]+1:
			edits = append(edits, Edit{Kind: Deletion, Ref: ref[i-1]})
			i--
		default:
			edits = append(edits, Edit{Kind: Insertion, Hyp: hyp[j-1]})
			j--
		}
	}
	for a, b := 0, len(edits)-1; a < b; a, b = a+1, b-1 {
		edits[a], edits[b] = edits[b], edits[a]
	}
	return edits
}

// Hirschberg returns the same alignment as WagnerFischer while holding one
// table row per recursion level instead of the whole table. It splits ref in
// half, finds the column where the WagnerFischer backtrace enters the middle
// row, and recurses on both halves.
func Hirschberg(ref, hyp []string) []Edit {
	top := make([]int, len(hyp)+1)
	for j := range top {
		top[j] = j
	}
	edits, j := backtrace(top, ref, hyp)
	for ; j > 0; j-- {
		edits = append(edits, Edit{Kind: Insertion, Hyp: hyp[j-1]})
	}
	for a, b := 0, len(edits)-1; a < b; a, b = a+1, b-1 {
		edits[a], edits[b] = edits[b], edits[a]
	}
	return edits
}

// backtrace follows the WagnerFischer backtrace from (len(ref), len(hyp))
// until it steps into the row given by top. Edits come back in reverse
// order together with the column at which the path enters top's row.
func backtrace(top []int, ref, hyp []string) ([]Edit, int) {
	switch len(ref) {
	case 0:
		return nil, len(hyp)
	case 1:
		cur := nextRow(top, ref[0], hyp)
		var edits []Edit
		for j := len(hyp); ; j-- {
			switch {
			case j > 0 && ref[0] == hyp[j-1] && cur[j] == top[j-1]:
				return append(edits, Edit{Kind: Hit, Ref: ref[0], Hyp: hyp[j-1]}), j - 1
			case j > 0 && cur[j] == top[j-1]+1:
				return append(edits, Edit{Kind: Substitution, Ref: ref[0], Hyp: hyp[j-1]}), j - 1
			case cur[j] == top[j]+1:
				return append(edits, Edit{Kind: Deletion, Ref: ref[0]}), j
			default:
				edits = append(edits, Edit{Kind: Insertion, Hyp: hyp[j-1]})
			}
		}
	}

	mid := len(ref) / 2
	row := top
	for _, w := range ref[:mid] {
		row = nextRow(row, w, hyp)
	}
	lower, j := backtrace(row, ref[mid:], hyp)
	upper, j := backtrace(top[:j+1], ref[:mid], hyp[:j])
	return append(lower, upper...), j
}

// nextRow extends the edit distance table by the reference word w, given
// the previous row.
func nextRow(prev []int, w string, hyp []string) []int {
	cur := make([]int, len(prev))
	cur[0] = prev[0] + 1
	for j := 1; j < len(prev); j++ {
		diag := prev[j-1]
		if w != hyp[j-1] {
			diag++
		}
		cur[j] = min(diag, prev[j]+1, cur[j-1]+1)
	}
	return cur
}

// Counts tallies an alignment.
type Counts struct {
	Hits          int `json:"hits"`
	Substitutions int `json:"substitutions"`
	Deletions     int `json:"deletions"`
	Insertions    int `json:"insertions"`
}

func CountEdits(edits []Edit) Counts {
	var c Counts
	for _, e := range edits {
		switch e.Kind {
		case Hit:
			c.Hits++
		case Substitution:
			c.Substitutions++
		case Deletion:
			c.Deletions++
		case Insertion:
			c.Insertions++
		}
	}
	return c
}

// Errors is S+D+I.
func (c Counts) Errors() int {
	return c.Substitutions + c.Deletions + c.Insertions
}
