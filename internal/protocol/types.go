package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrMalformedRequest is returned when a request body cannot be decoded into
// a query. Handlers map it to 400 before any shared state is touched.
var ErrMalformedRequest = errors.New("protocol: malformed request")

// StatusOK is the fixed message of a healthy status response.
const StatusOK = "All good!"

// Snapshot identifies the on-chain generation the backend currently reflects.
type Snapshot struct {
	BlockID         uint64         `json:"block_id"`
	StateRoot       common.Hash    `json:"state_root"`
	ContractAddress common.Address `json:"contract_address"`
}

// IsZero reports whether no synchronization cycle has produced this snapshot.
func (s Snapshot) IsZero() bool {
	return s == Snapshot{}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("block=%d root=%s contract=%s", s.BlockID, s.StateRoot.Hex(), s.ContractAddress.Hex())
}

// SingleQuery asks for one storage slot.
type SingleQuery struct {
	Key common.Hash `json:"key"`
}

// UnmarshalJSON rejects bodies without a key instead of silently reading
// slot zero.
func (q *SingleQuery) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key *common.Hash `json:"key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if raw.Key == nil {
		return fmt.Errorf("%w: missing key", ErrMalformedRequest)
	}
	q.Key = *raw.Key
	return nil
}

// MultiQuery asks for several storage slots. Order and duplicates are kept.
type MultiQuery struct {
	Keys []common.Hash `json:"keys"`
}

func (q *MultiQuery) UnmarshalJSON(data []byte) error {
	var raw struct {
		Keys *[]common.Hash `json:"keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if raw.Keys == nil {
		return fmt.Errorf("%w: missing keys", ErrMalformedRequest)
	}
	q.Keys = *raw.Keys
	if q.Keys == nil {
		q.Keys = []common.Hash{}
	}
	return nil
}

// StorageResult is one resolved slot. Absent slots carry the zero value.
type StorageResult struct {
	Key   common.Hash `json:"key"`
	Value common.Hash `json:"value"`
}

type StatusResponse struct {
	Message  string   `json:"message"`
	Snapshot Snapshot `json:"snapshot"`
}

// QueryResponse is the answer to /storage_at and /storage_at_mq. Resps
// follows the request order.
type QueryResponse struct {
	Snapshot Snapshot        `json:"snapshot"`
	Resps    []StorageResult `json:"resps"`
}

// QuotedResponse wraps a response with the TEE quote over its commitment
// hash. Attested is false when the quote is the empty sentinel.
type QuotedResponse[T any] struct {
	Response T             `json:"response"`
	Quote    hexutil.Bytes `json:"quote"`
	Attested bool          `json:"attested"`
}
