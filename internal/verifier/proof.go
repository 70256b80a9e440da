package verifier

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

// AccountProof mirrors the eth_getProof response.
type AccountProof struct {
	Address      common.Address  `json:"address"`
	AccountProof []hexutil.Bytes `json:"accountProof"`
	Balance      *hexutil.Big    `json:"balance"`
	CodeHash     common.Hash     `json:"codeHash"`
	Nonce        hexutil.Uint64  `json:"nonce"`
	StorageHash  common.Hash     `json:"storageHash"`
	StorageProof []StorageProof  `json:"storageProof"`
}

type StorageProof struct {
	Key   string          `json:"key"`
	Value *hexutil.Big    `json:"value"`
	Proof []hexutil.Bytes `json:"proof"`
}

func proofDB(nodes []hexutil.Bytes) ethdb.KeyValueReader {
	db := memorydb.New()
	for _, node := range nodes {
		db.Put(crypto.Keccak256(node), node)
	}
	return db
}

// VerifyAccount checks the account proof against the block state root and
// returns the proven storage root of the account.
func VerifyAccount(stateRoot common.Hash, p *AccountProof) (common.Hash, error) {
	val, err := trie.VerifyProof(stateRoot, crypto.Keccak256(p.Address.Bytes()), proofDB(p.AccountProof))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: account %s: %v", ErrInvalidProof, p.Address.Hex(), err)
	}
	if len(val) == 0 {
		// Proven absent: the account has no storage.
		if p.StorageHash != (common.Hash{}) && p.StorageHash != types.EmptyRootHash {
			return common.Hash{}, fmt.Errorf("%w: absent account %s claims storage root %s",
				ErrInvalidProof, p.Address.Hex(), p.StorageHash.Hex())
		}
		return types.EmptyRootHash, nil
	}
	var account types.StateAccount
	if err := rlp.DecodeBytes(val, &account); err != nil {
		return common.Hash{}, fmt.Errorf("%w: decode account %s: %v", ErrInvalidProof, p.Address.Hex(), err)
	}
	if account.Root != p.StorageHash {
		return common.Hash{}, fmt.Errorf("%w: storage root mismatch for %s: proven %s, claimed %s",
			ErrInvalidProof, p.Address.Hex(), account.Root.Hex(), p.StorageHash.Hex())
	}
	return account.Root, nil
}

// VerifyStorage checks one storage proof against the account storage root
// and returns the proven slot and value. A slot proven absent is zero.
func VerifyStorage(storageRoot common.Hash, sp StorageProof) (Update, error) {
	key := common.HexToHash(sp.Key)
	var claimed common.Hash
	if sp.Value != nil {
		claimed = common.BigToHash(sp.Value.ToInt())
	}

	if storageRoot == types.EmptyRootHash {
		if claimed != (common.Hash{}) {
			return Update{}, fmt.Errorf("%w: slot %s claims %s under empty storage", ErrInvalidProof, key.Hex(), claimed.Hex())
		}
		return Update{Key: key}, nil
	}

	val, err := trie.VerifyProof(storageRoot, crypto.Keccak256(key.Bytes()), proofDB(sp.Proof))
	if err != nil {
		return Update{}, fmt.Errorf("%w: slot %s: %v", ErrInvalidProof, key.Hex(), err)
	}
	var proven common.Hash
	if len(val) > 0 {
		var content []byte
		if err := rlp.DecodeBytes(val, &content); err != nil {
			return Update{}, fmt.Errorf("%w: decode slot %s: %v", ErrInvalidProof, key.Hex(), err)
		}
		proven = common.BytesToHash(content)
	}
	if proven != claimed {
		return Update{}, fmt.Errorf("%w: slot %s proven %s, claimed %s", ErrInvalidProof, key.Hex(), proven.Hex(), claimed.Hex())
	}
	return Update{Key: key, Value: proven}, nil
}
