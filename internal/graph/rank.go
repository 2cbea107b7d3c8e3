package graph

import (
	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh thought id. ulids sort by creation time, which keeps
// rank ties deterministic.
func NewID() string {
	return ulid.Make().String()
}

// PrevRank returns a rank that sorts before every child of parentID.
func PrevRank(ix Indices, parentID string) float64 {
	children := ChildrenRanked(ix, parentID)
	if len(children) == 0 {
		return 0
	}
	return children[0].Rank - 1
}

// NextRank returns a rank that sorts after every child of parentID.
func NextRank(ix Indices, parentID string) float64 {
	children := ChildrenRanked(ix, parentID)
	if len(children) == 0 {
		return 0
	}
	return children[len(children)-1].Rank + 1
}

// RankBetween returns a rank strictly between the ranks of two adjacent
// siblings of parentID. An empty before or after id means the start or end of
// the list.
func RankBetween(ix Indices, parentID, before, after string) float64 {
	b, okb := ThoughtByID(ix, before)
	a, oka := ThoughtByID(ix, after)
	switch {
	case !okb && !oka:
		return NextRank(ix, parentID)
	case !okb:
		return a.Rank - 1
	case !oka:
		return b.Rank + 1
	}
	return (b.Rank + a.Rank) / 2
}
