package compression

import (
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

const (
	accountTypeConcurrentMerkleTree = 1
	headerVersionV1                 = 0
	headerSizeV1                    = 54
)

// TreeAccount is a decoded concurrent Merkle tree account.
type TreeAccount struct {
	MaxBufferSize uint32
	MaxDepth      uint32
	Authority     [32]byte
	CreationSlot  uint64
	Sequence      uint64
	ActiveIndex   uint64
	BufferSize    uint64
	Root          Node
	Canopy        Canopy
}

// State projects the account onto the fields the checkout flow needs.
func (t *TreeAccount) State() types.TreeState {
	return types.TreeState{
		Root:          t.Root,
		MaxDepth:      t.MaxDepth,
		MaxBufferSize: t.MaxBufferSize,
		CanopyDepth:   t.Canopy.Depth(),
		Sequence:      t.Sequence,
	}
}

func changeLogSize(maxDepth uint32) int {
	// root + path + index u32 + padding u32
	return 32 + 32*int(maxDepth) + 8
}

func treeBodySize(maxDepth, maxBufferSize uint32) int {
	rightmost := 32*int(maxDepth) + 32 + 8
	return 24 + int(maxBufferSize)*changeLogSize(maxDepth) + rightmost
}

// DecodeTreeAccount parses raw tree account data: header, the active changelog
// root, and whatever trails the tree body as canopy.
func DecodeTreeAccount(data []byte) (*TreeAccount, error) {
	dec := bin.NewBorshDecoder(data)
	kind, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("tree account: %w", err)
	}
	if kind != accountTypeConcurrentMerkleTree {
		return nil, fmt.Errorf("tree account: unexpected account type %d", kind)
	}
	version, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("tree account: %w", err)
	}
	if version != headerVersionV1 {
		return nil, fmt.Errorf("tree account: unsupported header version %d", version)
	}
	acct := &TreeAccount{}
	if acct.MaxBufferSize, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("tree account: max buffer size: %w", err)
	}
	if acct.MaxDepth, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("tree account: max depth: %w", err)
	}
	if acct.MaxDepth == 0 || acct.MaxDepth > MaxSupportedDepth {
		return nil, fmt.Errorf("tree account: unsupported depth %d", acct.MaxDepth)
	}
	authority, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("tree account: authority: %w", err)
	}
	copy(acct.Authority[:], authority)
	if acct.CreationSlot, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("tree account: creation slot: %w", err)
	}
	if _, err := dec.ReadNBytes(headerSizeV1 - 48); err != nil {
		return nil, fmt.Errorf("tree account: header padding: %w", err)
	}

	bodySize := treeBodySize(acct.MaxDepth, acct.MaxBufferSize)
	if dec.Remaining() < bodySize {
		return nil, fmt.Errorf("tree account: body truncated (%d < %d)", dec.Remaining(), bodySize)
	}
	body, err := dec.ReadNBytes(bodySize)
	if err != nil {
		return nil, fmt.Errorf("tree account: body: %w", err)
	}
	bodyDec := bin.NewBorshDecoder(body)
	if acct.Sequence, err = bodyDec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if acct.ActiveIndex, err = bodyDec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if acct.BufferSize, err = bodyDec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if acct.ActiveIndex >= uint64(acct.MaxBufferSize) {
		return nil, fmt.Errorf("tree account: active index %d out of range", acct.ActiveIndex)
	}
	offset := 24 + int(acct.ActiveIndex)*changeLogSize(acct.MaxDepth)
	copy(acct.Root[:], body[offset:offset+32])

	var canopyBytes []byte
	if dec.Remaining() > 0 {
		if canopyBytes, err = dec.ReadNBytes(dec.Remaining()); err != nil {
			return nil, fmt.Errorf("tree account: canopy: %w", err)
		}
	}
	if _, err := CanopyDepthFromBytes(len(canopyBytes)); err != nil {
		return nil, fmt.Errorf("tree account: %w", err)
	}
	acct.Canopy.Nodes = make([]Node, len(canopyBytes)/32)
	for i := range acct.Canopy.Nodes {
		copy(acct.Canopy.Nodes[i][:], canopyBytes[i*32:(i+1)*32])
	}
	return acct, nil
}
