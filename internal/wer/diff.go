package wer

import "unicode"

type DiffKind string

const (
	DiffEqual  DiffKind = "equal"
	DiffInsert DiffKind = "insert"
	DiffDelete DiffKind = "delete"
)

// Operation is one entry of a text diff.
type Operation struct {
	Kind DiffKind `json:"op"`
	Text string   `json:"text"`
}

// Diff compares two texts as sequences of word and whitespace runs and
// returns a longest-common-subsequence diff.
func Diff(reference, hypothesis string) []Operation {
	a, b := splitRuns(reference), splitRuns(hypothesis)
	n, m := len(a), len(b)

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	ops := make([]Operation, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, Operation{Kind: DiffEqual, Text: a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, Operation{Kind: DiffDelete, Text: a[i]})
			i++
		default:
			ops = append(ops, Operation{Kind: DiffInsert, Text: b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, Operation{Kind: DiffDelete, Text: a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, Operation{Kind: DiffInsert, Text: b[j]})
	}
	return ops
}

// splitRuns cuts s into alternating runs of space and non-space runes.
func splitRuns(s string) []string {
	var (
		runs  []string
		start int
		space bool
	)
	for i, r := range s {
		isSpace := unicode.IsSpace(r)
		if i > start && isSpace != space {
			runs = append(runs, s[start:i])
			start = i
		}
		space = isSpace
	}
	if start < len(s) {
		runs = append(runs, s[start:])
	}
	return runs
}
