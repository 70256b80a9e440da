package attestation

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Policy decides what a quoted endpoint does when no quote can be obtained.
type Policy string

const (
	// PolicyStrict fails the quoted request.
	PolicyStrict Policy = "strict"
	// PolicyDegrade answers with an empty, unattested quote.
	PolicyDegrade Policy = "degrade"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyDegrade:
		return PolicyDegrade, nil
	}
	return "", fmt.Errorf("unknown attestation policy %q", s)
}

// Quote is the outcome of one binding. Attested is false only for the
// empty sentinel produced under PolicyDegrade.
type Quote struct {
	Bytes    []byte
	Attested bool
}

// Stats counts binder outcomes since start.
type Stats struct {
	Issued   uint64 `json:"issued"`
	Failed   uint64 `json:"failed"`
	Degraded uint64 `json:"degraded"`
}

// Binder requests quotes whose report data is a response commitment hash.
type Binder struct {
	provider Provider
	policy   Policy
	logger   log.Logger

	issued   atomic.Uint64
	failed   atomic.Uint64
	degraded atomic.Uint64
}

func NewBinder(provider Provider, policy Policy) *Binder {
	return &Binder{
		provider: provider,
		policy:   policy,
		logger:   log.New("module", "attest"),
	}
}

func (b *Binder) Policy() Policy { return b.policy }

// Bind asks the provider for a quote over hash. Callers must not hold any
// state lock: the provider round-trip may block.
func (b *Binder) Bind(ctx context.Context, hash common.Hash) (Quote, error) {
	quote, err := b.provider.Quote(ctx, hash.Bytes())
	if err == nil {
		b.issued.Add(1)
		return Quote{Bytes: quote, Attested: true}, nil
	}

	b.failed.Add(1)
	if b.policy == PolicyDegrade {
		b.degraded.Add(1)
		b.logger.Warn("Quote unavailable, answering unattested", "hash", hash, "err", err)
		return Quote{Bytes: []byte{}, Attested: false}, nil
	}
	b.logger.Error("Quote unavailable", "hash", hash, "err", err)
	return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (b *Binder) Stats() Stats {
	return Stats{
		Issued:   b.issued.Load(),
		Failed:   b.failed.Load(),
		Degraded: b.degraded.Load(),
	}
}
