package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// ProofStep is one sibling on the path from a leaf to the Merkle root.
// Left is true when the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// LeafHash commits to one batch head.
func LeafHash(batchID, headHash string) string {
	sum := sha256.Sum256([]byte(batchID + ":" + headHash))
	return hex.EncodeToString(sum[:])
}

// BuildTree returns the Merkle root over leaves and the inclusion path of
// every leaf. An odd node at any level is paired with itself.
func BuildTree(leaves []string) (string, [][]ProofStep) {
	if len(leaves) == 0 {
		return "", nil
	}

	layers := [][]string{leaves}
	for layer := leaves; len(layer) > 1; {
		next := make([]string, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left, right := layer[i], layer[i]
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layers = append(layers, next)
		layer = next
	}
	root := layers[len(layers)-1][0]

	proofs := make([][]ProofStep, len(leaves))
	for leaf := range leaves {
		var path []ProofStep
		idx := leaf
		for _, row := range layers[:len(layers)-1] {
			sibling := idx ^ 1
			if sibling >= len(row) {
				sibling = idx
			}
			path = append(path, ProofStep{Hash: row[sibling], Left: sibling < idx})
			idx /= 2
		}
		proofs[leaf] = path
	}
	return root, proofs
}

// VerifyProof reports whether leaf hashes up to root along path.
func VerifyProof(leaf, root string, path []ProofStep) bool {
	h := leaf
	for _, step := range path {
		if step.Left {
			h = hashPair(step.Hash, h)
		} else {
			h = hashPair(h, step.Hash)
		}
	}
	return h == root
}

// BuildDigestSet sorts entries by batch ID and computes their Merkle root.
func BuildDigestSet(entries []model.DigestEntry) (model.DigestSet, [][]ProofStep) {
	sorted := make([]model.DigestEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BatchID < sorted[j].BatchID })

	leaves := make([]string, len(sorted))
	for i, e := range sorted {
		leaves[i] = LeafHash(e.BatchID, e.HeadHash)
	}
	root, proofs := BuildTree(leaves)
	return model.DigestSet{Entries: sorted, MerkleRoot: root}, proofs
}

func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}
