package compression

import (
	"errors"
	"fmt"
	"math/bits"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxSupportedDepth bounds tree depth accepted by the account compression program.
const MaxSupportedDepth = 30

// Node is a 32-byte Merkle tree node.
type Node = [32]byte

// ErrProofLength is returned when a path cannot reach the root of the tree.
var ErrProofLength = errors.New("compression: proof length mismatch")

// HashPair combines two children into their parent node.
func HashPair(left, right Node) Node {
	var out Node
	copy(out[:], ethcrypto.Keccak256(left[:], right[:]))
	return out
}

// EmptyNode returns the node of an empty subtree of the given height.
func EmptyNode(level uint32) Node {
	var node Node
	for i := uint32(0); i < level; i++ {
		node = HashPair(node, node)
	}
	return node
}

// RecomputeRoot hashes leaf up through the sibling path. Bit i of index picks
// whether the running node is the left or right child at level i.
func RecomputeRoot(leaf Node, index uint32, siblings []Node) Node {
	node := leaf
	for i, sibling := range siblings {
		if (index>>uint(i))&1 == 0 {
			node = HashPair(node, sibling)
		} else {
			node = HashPair(sibling, node)
		}
	}
	return node
}

// VerifyProof reports whether leaf at index hashes to root through siblings.
func VerifyProof(root, leaf Node, index uint32, siblings []Node) bool {
	return RecomputeRoot(leaf, index, siblings) == root
}

// TruncateProof drops the canopyDepth root-adjacent siblings, keeping the
// leaf-adjacent entries that must travel with an instruction.
func TruncateProof(siblings []Node, canopyDepth uint32) ([]Node, error) {
	if int(canopyDepth) > len(siblings) {
		return nil, fmt.Errorf("%w: canopy depth %d exceeds proof length %d", ErrProofLength, canopyDepth, len(siblings))
	}
	keep := len(siblings) - int(canopyDepth)
	out := make([]Node, keep)
	copy(out, siblings[:keep])
	return out, nil
}

// CanopyDepthFromBytes derives the canopy depth from the byte length of the
// cached node region of a tree account.
func CanopyDepthFromBytes(n int) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if n%32 != 0 {
		return 0, fmt.Errorf("compression: canopy length %d not a multiple of 32", n)
	}
	nodes := uint64(n/32) + 2
	if nodes&(nodes-1) != 0 {
		return 0, fmt.Errorf("compression: canopy holds %d nodes, not a full tree", n/32)
	}
	return uint32(bits.TrailingZeros64(nodes)) - 1, nil
}

// Canopy is the on-chain cache of the top levels of a tree, stored in heap
// order without the root: entry i holds heap position i+2.
type Canopy struct {
	Nodes []Node
}

// Depth returns the number of cached levels.
func (c Canopy) Depth() uint32 {
	depth, err := CanopyDepthFromBytes(len(c.Nodes) * 32)
	if err != nil {
		return 0
	}
	return depth
}

// FillProof extends a truncated proof with the siblings held in the canopy,
// mirroring what the ledger does before verifying a path. Empty canopy entries
// resolve to the empty-subtree node of their level.
func (c Canopy) FillProof(maxDepth, index uint32, truncated []Node) ([]Node, error) {
	if maxDepth == 0 || maxDepth > MaxSupportedDepth {
		return nil, fmt.Errorf("compression: unsupported depth %d", maxDepth)
	}
	depth := c.Depth()
	if depth > maxDepth {
		return nil, fmt.Errorf("compression: canopy depth %d exceeds tree depth %d", depth, maxDepth)
	}
	var empty Node
	nodeIdx := ((uint64(1) << maxDepth) + uint64(index)) >> (maxDepth - depth)
	inferred := make([]Node, 0, depth)
	for nodeIdx > 1 {
		shifted := nodeIdx - 2
		cached := shifted + 1
		if shifted%2 == 1 {
			cached = shifted - 1
		}
		node := c.Nodes[cached]
		if node == empty {
			level := maxDepth - uint32(63-bits.LeadingZeros64(nodeIdx))
			node = EmptyNode(level)
		}
		inferred = append(inferred, node)
		nodeIdx >>= 1
	}
	overlap := len(truncated) + len(inferred) - int(maxDepth)
	if overlap < 0 {
		return nil, fmt.Errorf("%w: %d proof nodes + %d canopy nodes < depth %d", ErrProofLength, len(truncated), len(inferred), maxDepth)
	}
	out := make([]Node, 0, maxDepth)
	out = append(out, truncated...)
	out = append(out, inferred[overlap:]...)
	return out, nil
}
