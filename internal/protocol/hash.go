package protocol

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// hashSeparator splits variable fields in the canonical encodings below.
const hashSeparator = byte('|')

// SecureHasher is implemented by every response that can be quoted.
type SecureHasher interface {
	SecureHash() common.Hash
}

// SecureHash commits to block_id (big-endian) | state_root | contract_address.
func (s Snapshot) SecureHash() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], s.BlockID)
	h.Write(id[:])
	h.Write([]byte{hashSeparator})
	h.Write(s.StateRoot[:])
	h.Write([]byte{hashSeparator})
	h.Write(s.ContractAddress[:])
	return common.BytesToHash(h.Sum(nil))
}

// SecureHash commits to the snapshot hash followed by every (key, value)
// pair in request order. Keys and values are fixed width, so no separator
// is needed between pairs.
func (r QueryResponse) SecureHash() common.Hash {
	h := sha3.NewLegacyKeccak256()
	snap := r.Snapshot.SecureHash()
	h.Write(snap[:])
	for _, res := range r.Resps {
		h.Write(res.Key[:])
		h.Write(res.Value[:])
	}
	return common.BytesToHash(h.Sum(nil))
}

// SecureHash commits to message | snapshot hash.
func (r StatusResponse) SecureHash() common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(r.Message))
	h.Write([]byte{hashSeparator})
	snap := r.Snapshot.SecureHash()
	h.Write(snap[:])
	return common.BytesToHash(h.Sum(nil))
}
