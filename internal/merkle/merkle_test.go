package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func leafFor(s string) Digest {
	return LeafHash([]byte(s))
}

func TestEmptyTreeRoot(t *testing.T) {
	tree, root := Build(nil)
	require.Equal(t, EmptyRoot(), root)
	require.Equal(t, 0, len(tree.Levels[0]))
}

func TestSingleLeafRootEqualsLeaf(t *testing.T) {
	leaf := leafFor("row-1")
	_, root := Build([]Digest{leaf})
	require.Equal(t, leaf, root)
}

func TestBuildProofVerifyRoundTrip(t *testing.T) {
	leaves := []Digest{leafFor("a"), leafFor("b"), leafFor("c"), leafFor("d"), leafFor("e")}
	tree, root := Build(leaves)

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.True(t, Verify(leaf, proof, root, tree.Height()), "leaf %d should verify", i)
	}
}

func TestVerifyRejectsWrongHeight(t *testing.T) {
	leaves := []Digest{leafFor("a"), leafFor("b"), leafFor("c")}
	tree, root := Build(leaves)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.False(t, Verify(leaves[0], proof, root, tree.Height()+1))
}

func TestVerifyRejectsWrongLeaf(t *testing.T) {
	leaves := []Digest{leafFor("a"), leafFor("b")}
	tree, root := Build(leaves)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.False(t, Verify(leafFor("tampered"), proof, root, tree.Height()))
}

func TestOddLevelPromotionIsUnambiguous(t *testing.T) {
	leaves := []Digest{leafFor("a"), leafFor("b"), leafFor("c")}
	tree, root := Build(leaves)
	proof, err := tree.Proof(2)
	require.NoError(t, err)
	require.Equal(t, Promoted, proof.Steps[0].Direction)
	require.True(t, Verify(leaves[2], proof, root, tree.Height()))
}

func TestUpdateRecomputesOnlyChangedPaths(t *testing.T) {
	leaves := []Digest{leafFor("a"), leafFor("b"), leafFor("c"), leafFor("d")}
	tree, _ := Build(leaves)

	updated := Update(tree, []Change{{Index: 1, Leaf: leafFor("b2")}})
	wantLeaves := append([]Digest{}, leaves...)
	wantLeaves[1] = leafFor("b2")
	_, wantRoot := Build(wantLeaves)

	require.Equal(t, wantRoot, updated.Root())
}

func TestGlobalStateRootDeterministicAndDomainSeparated(t *testing.T) {
	tables := []TableRoot{
		{Name: "accounts", Root: leafFor("accounts-root")},
		{Name: "orders", Root: leafFor("orders-root")},
	}
	_, root1 := GlobalStateRoot(tables)

	// Table leaves are domain-tagged distinctly from row leaves: the
	// same bytes used as a row leaf input must not collide with a
	// table-root leaf.
	rowLeaf := leafFor("accounts-root")
	require.NotEqual(t, rowLeaf, TableRootLeaf("accounts", leafFor("accounts-root")))

	_, root2 := GlobalStateRoot([]TableRoot{tables[0], tables[1]})
	require.Equal(t, root1, root2)
}

func TestLeafAndInternalDomainsDoNotCollide(t *testing.T) {
	// No byte sequence b should satisfy H(L || b) == H(I || x || y):
	// spot-check that a leaf hash never equals an internal hash built
	// from the same raw bytes reinterpreted.
	raw := []byte("some-row-bytes-of-exactly-64-len-to-match-two-digests!!!!!!!!!!!")
	leaf := sha256.Sum256(append([]byte{'L'}, raw...))
	internal := sha256.Sum256(append([]byte{'I'}, raw...))
	require.NotEqual(t, leaf, internal)
}
