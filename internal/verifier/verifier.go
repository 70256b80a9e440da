// Package verifier produces verified storage updates for one ERC-20
// contract. Every value it emits has been checked against the block state
// root with Merkle proofs obtained from an untrusted execution client.
package verifier

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
)

var (
	// ErrNotInitialized is returned by Update before a successful Initialize.
	ErrNotInitialized = errors.New("verifier: not initialized")
	// ErrInvalidProof is returned when a proof does not match the state root
	// or the value claimed by the endpoint.
	ErrInvalidProof = errors.New("verifier: invalid proof")
)

// Update is one verified (slot, value) pair.
type Update struct {
	Key   common.Hash
	Value common.Hash
}

// Cycle is the outcome of one Initialize or Update call: the snapshot the
// updates were verified against and the pending updates to drain, in
// emission order.
type Cycle struct {
	Snapshot protocol.Snapshot
	Updates  []Update
}

//go:generate mockgen -source=verifier.go -destination=verifier_mock.go -package=verifier

// Verifier is the verified-state collaborator. A failed call returns a nil
// Cycle and leaves the verifier's own cursor where it was, so the caller can
// retry without losing updates. The Cycle carries the snapshot the updates
// were verified against.
type Verifier interface {
	// Initialize returns the full set of tracked slots at the chain head.
	Initialize(ctx context.Context) (*Cycle, error)
	// Update returns the slots changed since the last successful cycle. Its
	// snapshot is never older than the previous one: when the head has not
	// moved past the cursor it returns an empty cycle at the current
	// snapshot. A cycle the caller rejects is not replayed.
	Update(ctx context.Context) (*Cycle, error)
}
