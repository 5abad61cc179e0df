// Package ivfc implements the Hierarchical Integrity (IVFC) hash-tree
// verifier: an N-level SHA-256 hash table over a decrypted
// RomFS stream, anchored by a master hash stored in the NCA FS header and
// (transitively) by the header signature.
package ivfc

import (
	"fmt"

	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
)

// LevelDescriptor gives the (offset, size, block size) of one IVFC level.
type LevelDescriptor struct {
	Offset    int64
	Size      int64
	BlockSize int64
}

// Mismatch records a single hash-tree verification failure.
type Mismatch struct {
	Level      int
	BlockIndex int64
}

// Verifier walks the hash tree on demand as callers read data-level blocks,
// memoizing already-verified blocks so a large file doesn't re-hash its
// shared upper levels once per read.
type Verifier struct {
	levels     []LevelDescriptor
	masterHash [32]byte
	source     storage.View // the raw (post-decryption) stream all levels live in

	verified map[levelBlock]bool
	mismatch []Mismatch
}

type levelBlock struct {
	level int
	block int64
}

func New(source storage.View, levels []LevelDescriptor, masterHash [32]byte) *Verifier {
	return &Verifier{
		levels:     levels,
		masterHash: masterHash,
		source:     source,
		verified:   make(map[levelBlock]bool),
	}
}

// Mismatches returns every hash-tree failure observed so far. Decoding
// continues past a mismatch: the caller decides whether to treat
// a non-empty result as fatal (verify mode) or merely report it.
func (v *Verifier) Mismatches() []Mismatch { return v.mismatch }

// VerifyDataBlock verifies the data-level block containing byte offset off,
// walking up through every intermediate level to the master hash. It
// returns true if every hash on the path matched.
func (v *Verifier) VerifyDataBlock(off int64) (bool, error) {
	dataLevel := len(v.levels) - 1
	block := (off - v.levels[dataLevel].Offset) / v.levels[dataLevel].BlockSize
	return v.verifyBlock(dataLevel, block)
}

func (v *Verifier) verifyBlock(level int, block int64) (bool, error) {
	key := levelBlock{level, block}
	if ok, seen := v.verified[key]; seen {
		return ok, nil
	}

	lvl := v.levels[level]
	blockOff := lvl.Offset + block*lvl.BlockSize
	blockSize := lvl.BlockSize
	if blockOff+blockSize > lvl.Offset+lvl.Size {
		blockSize = lvl.Offset + lvl.Size - blockOff
	}
	if blockSize <= 0 {
		return false, fmt.Errorf("ivfc: block %d out of range at level %d", block, level)
	}

	buf, err := storage.ReadFull(storage.NewSubView(v.source, blockOff, blockSize), blockSize)
	if err != nil {
		return false, err
	}
	got := crypto.SHA256(buf)

	var want [32]byte
	if level == 0 {
		want = v.masterHash
	} else {
		parentLevel := level - 1
		parentOff := v.levels[parentLevel].Offset + block*32
		hashBuf, err := storage.ReadFull(storage.NewSubView(v.source, parentOff, 32), 32)
		if err != nil {
			return false, err
		}
		copy(want[:], hashBuf)

		parentBlock := block / (v.levels[parentLevel].BlockSize / 32)
		if ok, err := v.verifyBlock(parentLevel, parentBlock); err != nil {
			return false, err
		} else if !ok {
			v.record(level, block)
			return false, nil
		}
	}

	ok := got == want
	if !ok {
		v.record(level, block)
	}
	v.verified[key] = ok
	return ok, nil
}

func (v *Verifier) record(level int, block int64) {
	v.mismatch = append(v.mismatch, Mismatch{Level: level, BlockIndex: block})
}
