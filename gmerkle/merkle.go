// Package gmerkle builds merkle trees over ordered leaves.
package gmerkle

import (
	"errors"
	"fmt"
)

// MerkleScheme specifies how leaf and branch IDs are calculated.
// Type parameter L is the leaf data, and I is the node ID type,
// usually a fixed-width hash.
type MerkleScheme[L any, I comparable] interface {
	// BranchFactor is how many children each branch holds,
	// except the rightmost branch of a row, which may hold fewer.
	// This should be 2 unless profiling shows otherwise.
	BranchFactor() uint8

	// BranchID calculates the ID of a branch from its children.
	// The depth and rowIdx are provided so a scheme may
	// domain-separate branches against second preimage attacks.
	BranchID(depth, rowIdx int, childIDs []I) (I, error)

	// LeafID calculates the ID of the leaf at idx.
	LeafID(idx int, leafData L) (I, error)
}

// Tree is an immutable merkle tree.
// All leaves are known up front, and the tree retains only their IDs,
// so its methods are safe to call concurrently.
type Tree[I comparable] struct {
	m int

	// rows[0] holds the leaf IDs, and the final row holds the lone root.
	rows [][]I
}

// NewTree calculates every node of the tree over leaves.
// It is an error to build a tree without leaves.
func NewTree[L any, I comparable](s MerkleScheme[L, I], leaves []L) (*Tree[I], error) {
	if len(leaves) == 0 {
		return nil, errors.New("gmerkle: cannot build tree without leaves")
	}
	m := int(s.BranchFactor())
	if m < 2 {
		return nil, fmt.Errorf("gmerkle: branch factor must be at least 2; got %d", m)
	}

	row := make([]I, len(leaves))
	for i, l := range leaves {
		id, err := s.LeafID(i, l)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate leaf ID at index %d: %w", i, err)
		}
		row[i] = id
	}

	rows := [][]I{row}
	for depth := 1; len(row) > 1; depth++ {
		next := make([]I, 0, (len(row)+m-1)/m)
		for start := 0; start < len(row); start += m {
			end := min(start+m, len(row))
			id, err := s.BranchID(depth, len(next), row[start:end])
			if err != nil {
				return nil, fmt.Errorf(
					"failed to calculate branch ID at depth %d, index %d: %w", depth, len(next), err,
				)
			}
			next = append(next, id)
		}
		rows = append(rows, next)
		row = next
	}

	return &Tree[I]{m: m, rows: rows}, nil
}

// RootID returns the ID of the root branch.
// For a single leaf, the root is the leaf ID.
func (t *Tree[I]) RootID() I {
	return t.rows[len(t.rows)-1][0]
}

// NumLeaves reports how many leaves the tree was built with.
func (t *Tree[I]) NumLeaves() int {
	return len(t.rows[0])
}

// Lookup searches every row for id.
// On a match, it returns the index of the first leaf covered by that node
// and how many leaves the node covers.
// Without a match, it returns -1, 0.
func (t *Tree[I]) Lookup(id I) (leafIdxStart, n int) {
	span := 1
	for ri, row := range t.rows {
		if ri > 0 {
			span *= t.m
		}
		for i, got := range row {
			if got != id {
				continue
			}
			start := i * span
			n := min(span, t.NumLeaves()-start)
			return start, n
		}
	}
	return -1, 0
}

// InclusionProof is the set of sibling IDs needed to recompute
// the root from a single leaf.
type InclusionProof[I comparable] struct {
	LeafIdx int

	// Siblings[d] holds the IDs of the other children
	// sharing a parent with the path node at depth d,
	// and Positions[d] is the path node's index among those children.
	Siblings  [][]I
	Positions []int
}

// Prove returns the inclusion proof for the leaf at leafIdx.
func (t *Tree[I]) Prove(leafIdx int) (InclusionProof[I], error) {
	if leafIdx < 0 || leafIdx >= t.NumLeaves() {
		return InclusionProof[I]{}, fmt.Errorf("leaf index %d out of range [0, %d)", leafIdx, t.NumLeaves())
	}

	p := InclusionProof[I]{LeafIdx: leafIdx}
	idx := leafIdx
	for _, row := range t.rows[:len(t.rows)-1] {
		start := (idx / t.m) * t.m
		end := min(start+t.m, len(row))

		sibs := make([]I, 0, end-start-1)
		sibs = append(sibs, row[start:idx]...)
		sibs = append(sibs, row[idx+1:end]...)

		p.Siblings = append(p.Siblings, sibs)
		p.Positions = append(p.Positions, idx-start)
		idx /= t.m
	}
	return p, nil
}

// VerifyInclusion recomputes the root from leafID and p
// and reports whether it matches root.
func VerifyInclusion[L any, I comparable](s MerkleScheme[L, I], root, leafID I, p InclusionProof[I]) (bool, error) {
	if len(p.Siblings) != len(p.Positions) {
		return false, errors.New("gmerkle: malformed inclusion proof")
	}

	cur := leafID
	idx := p.LeafIdx
	for d, sibs := range p.Siblings {
		pos := p.Positions[d]
		if pos < 0 || pos > len(sibs) {
			return false, errors.New("gmerkle: malformed inclusion proof position")
		}
		children := make([]I, 0, len(sibs)+1)
		children = append(children, sibs[:pos]...)
		children = append(children, cur)
		children = append(children, sibs[pos:]...)

		idx /= int(s.BranchFactor())
		id, err := s.BranchID(d+1, idx, children)
		if err != nil {
			return false, err
		}
		cur = id
	}
	return cur == root, nil
}
