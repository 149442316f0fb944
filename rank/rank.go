// Package rank orders issues within a bucket.
//
// Ranks are opaque strings compared byte-wise. Identical ranks should not
// happen upstream but do; they fall back to identifier order so the result
// is always deterministic.
package rank

import (
	"slices"
	"strings"
)

// Key is the sort key of one issue.
type Key struct {
	Rank string
	ID   string
}

func Compare(a, b Key) int {
	if c := strings.Compare(a.Rank, b.Rank); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Ranked is anything carrying a rank key.
type Ranked interface {
	RankKey() Key
}

func (k Key) RankKey() Key { return k }

func cmpRanked[T Ranked](a, b T) int { return Compare(a.RankKey(), b.RankKey()) }

// Sort orders s in place.
func Sort[T Ranked](s []T) {
	slices.SortFunc(s, cmpRanked[T])
}

// Search finds the position of k in sorted s, or where it would be inserted.
func Search[T Ranked](s []T, k Key) (int, bool) {
	return slices.BinarySearchFunc(s, k, func(e T, k Key) int { return Compare(e.RankKey(), k) })
}

// Insert places v at its ranked position. An element with the same key is
// replaced. The input slice is modified; callers that share it must clone
// first.
func Insert[T Ranked](s []T, v T) []T {
	i, found := Search(s, v.RankKey())
	if found {
		s[i] = v
		return s
	}
	return slices.Insert(s, i, v)
}

// Remove deletes the element with key k, reporting whether it was present.
func Remove[T Ranked](s []T, k Key) ([]T, bool) {
	i, found := Search(s, k)
	if !found {
		return s, false
	}
	return slices.Delete(s, i, i+1), true
}

// Duplicates reports groups of ids sharing a rank in sorted s.
func Duplicates[T Ranked](s []T) [][]string {
	var groups [][]string
	for i := 0; i < len(s); {
		j := i + 1
		for j < len(s) && s[j].RankKey().Rank == s[i].RankKey().Rank {
			j++
		}
		if j-i > 1 {
			ids := make([]string, 0, j-i)
			for _, e := range s[i:j] {
				ids = append(ids, e.RankKey().ID)
			}
			groups = append(groups, ids)
		}
		i = j
	}
	return groups
}
