package gmerkle_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gordian-engine/epoch/gmerkle"
	"github.com/stretchr/testify/require"
)

// stringScheme makes IDs readable in assertions:
// a branch ID is its children joined with commas and wrapped in parentheses.
type stringScheme struct{}

func (stringScheme) BranchFactor() uint8 { return 2 }

func (stringScheme) BranchID(_, _ int, childIDs []string) (string, error) {
	return "(" + strings.Join(childIDs, ",") + ")", nil
}

func (stringScheme) LeafID(_ int, leaf string) (string, error) {
	return leaf, nil
}

func TestNewTree_RootID(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		leaves []string
		root   string
	}{
		{leaves: []string{"a"}, root: "a"},
		{leaves: []string{"a", "b"}, root: "(a,b)"},
		{leaves: []string{"a", "b", "c"}, root: "((a,b),(c))"},
		{leaves: []string{"a", "b", "c", "d", "e"}, root: "(((a,b),(c,d)),((e)))"},
	} {
		tc := tc
		t.Run(fmt.Sprintf("%d leaves", len(tc.leaves)), func(t *testing.T) {
			t.Parallel()

			tree, err := gmerkle.NewTree[string, string](stringScheme{}, tc.leaves)
			require.NoError(t, err)
			require.Equal(t, tc.root, tree.RootID())
			require.Equal(t, len(tc.leaves), tree.NumLeaves())
		})
	}
}

func TestNewTree_empty(t *testing.T) {
	t.Parallel()

	_, err := gmerkle.NewTree[string, string](stringScheme{}, nil)
	require.Error(t, err)
}

func TestTree_Lookup(t *testing.T) {
	t.Parallel()

	tree, err := gmerkle.NewTree[string, string](stringScheme{}, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	start, n := tree.Lookup("c")
	require.Equal(t, 2, start)
	require.Equal(t, 1, n)

	start, n = tree.Lookup("(c,d)")
	require.Equal(t, 2, start)
	require.Equal(t, 2, n)

	start, n = tree.Lookup("((e))")
	require.Equal(t, 4, start)
	require.Equal(t, 1, n)

	start, n = tree.Lookup("nope")
	require.Equal(t, -1, start)
	require.Zero(t, n)
}

func TestTree_Prove(t *testing.T) {
	t.Parallel()

	leaves := []string{"a", "b", "c", "d", "e"}
	tree, err := gmerkle.NewTree[string, string](stringScheme{}, leaves)
	require.NoError(t, err)

	for i, leaf := range leaves {
		p, err := tree.Prove(i)
		require.NoError(t, err)

		ok, err := gmerkle.VerifyInclusion[string, string](stringScheme{}, tree.RootID(), leaf, p)
		require.NoError(t, err)
		require.Truef(t, ok, "proof for leaf %d did not verify", i)

		ok, err = gmerkle.VerifyInclusion[string, string](stringScheme{}, tree.RootID(), "z", p)
		require.NoError(t, err)
		require.False(t, ok)
	}

	_, err = tree.Prove(len(leaves))
	require.Error(t, err)
}
