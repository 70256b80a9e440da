package verifier

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TransferTopic is the ERC-20 Transfer event signature.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// BalanceSlot returns the storage slot of holder in a Solidity
// mapping(address => uint256) declared at mappingSlot:
// keccak256(pad32(holder) ‖ pad32(mappingSlot)).
func BalanceSlot(holder common.Address, mappingSlot *uint256.Int) common.Hash {
	var buf [64]byte
	copy(buf[12:32], holder.Bytes())
	slot := mappingSlot.Bytes32()
	copy(buf[32:], slot[:])
	return crypto.Keccak256Hash(buf[:])
}

// holdersFromLogs extracts senders and recipients of Transfer logs. Mint and
// burn counterparties (the zero address) are skipped.
func holdersFromLogs(logs []types.Log, into map[common.Address]struct{}) {
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		for _, topic := range lg.Topics[1:3] {
			holder := common.BytesToAddress(topic.Bytes())
			if holder == (common.Address{}) {
				continue
			}
			into[holder] = struct{}{}
		}
	}
}

// sortedHolders returns the holder set in address order so that cycles emit
// updates deterministically.
func sortedHolders(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
