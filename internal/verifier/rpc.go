package verifier

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/network"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
)

const (
	DefaultLogRange     = 2000
	DefaultProofBatch   = 64
	DefaultProofWorkers = 4
	DefaultRPCTimeout   = 30 * time.Second
)

// Config selects the contract to follow and how to talk to the endpoint.
type Config struct {
	Endpoint     string
	Contract     common.Address
	BalanceSlot  uint64           // index of the balances mapping
	StartBlock   uint64           // first block scanned for Transfer logs
	LogRange     uint64           // blocks per eth_getLogs window
	ProofBatch   int              // slots per eth_getProof call
	ProofWorkers int              // concurrent eth_getProof calls
	Holders      []common.Address // seed holders tracked without a Transfer log
	Network      network.Config
	Timeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.LogRange == 0 {
		c.LogRange = DefaultLogRange
	}
	if c.ProofBatch <= 0 {
		c.ProofBatch = DefaultProofBatch
	}
	if c.ProofWorkers <= 0 {
		c.ProofWorkers = DefaultProofWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRPCTimeout
	}
}

// chainReader is the subset of the execution client API used for
// verification. The endpoint is untrusted: everything it returns is
// checked against proofs before it leaves this package.
type chainReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	GetProof(ctx context.Context, account common.Address, keys []common.Hash, block *big.Int) (*AccountProof, error)
}

type rpcChain struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (c *rpcChain) GetProof(ctx context.Context, account common.Address, keys []common.Hash, block *big.Int) (*AccountProof, error) {
	hexKeys := make([]string, len(keys))
	for i, k := range keys {
		hexKeys[i] = k.Hex()
	}
	var res AccountProof
	if err := c.rpc.CallContext(ctx, &res, "eth_getProof", account, hexKeys, hexutil.EncodeBig(block)); err != nil {
		return nil, err
	}
	return &res, nil
}

// RPCVerifier follows the balances of one ERC-20 contract through an
// execution client JSON-RPC endpoint. Holders are discovered from Transfer
// logs; their balance slots are proven with eth_getProof at the head block.
type RPCVerifier struct {
	cfg         Config
	chain       chainReader
	closer      func()
	mappingSlot *uint256.Int
	logger      log.Logger

	mu          sync.Mutex // serializes cycles and guards the cursor below
	holders     map[common.Address]struct{}
	lastBlock   uint64
	snapshot    protocol.Snapshot
	initialized bool
}

// New dials cfg.Endpoint. No chain request is made until Initialize.
func New(ctx context.Context, cfg Config) (*RPCVerifier, error) {
	cfg.applyDefaults()
	httpClient := network.NewHTTPClient(cfg.Network, cfg.Timeout)
	client, err := rpc.DialOptions(ctx, cfg.Endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}
	v := newWithChain(cfg, &rpcChain{Client: ethclient.NewClient(client), rpc: client})
	v.closer = client.Close
	return v, nil
}

func newWithChain(cfg Config, chain chainReader) *RPCVerifier {
	cfg.applyDefaults()
	return &RPCVerifier{
		cfg:         cfg,
		chain:       chain,
		mappingSlot: uint256.NewInt(cfg.BalanceSlot),
		logger:      log.New("module", "verifier", "contract", cfg.Contract),
		holders:     make(map[common.Address]struct{}),
	}
}

func (v *RPCVerifier) Close() {
	if v.closer != nil {
		v.closer()
	}
}

// Initialize scans Transfer logs from StartBlock to the head and proves the
// balance slot of every holder seen.
func (v *RPCVerifier) Initialize(ctx context.Context) (*Cycle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	head, err := v.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	holders := make(map[common.Address]struct{})
	for _, h := range v.cfg.Holders {
		holders[h] = struct{}{}
	}
	if err := v.scanLogs(ctx, v.cfg.StartBlock, head.Number.Uint64(), holders); err != nil {
		return nil, err
	}
	v.logger.Info("Discovered token holders", "holders", len(holders), "head", head.Number)

	cycle, err := v.prove(ctx, head, sortedHolders(holders))
	if err != nil {
		return nil, err
	}
	v.holders = holders
	v.commit(head, cycle)
	v.initialized = true
	return cycle, nil
}

// Update proves the balance slots of holders that appear in Transfer logs
// after the last verified block. With no new block, or a head below the
// cursor, it returns an empty cycle at the current snapshot.
func (v *RPCVerifier) Update(ctx context.Context) (*Cycle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return nil, ErrNotInitialized
	}
	head, err := v.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head.Number.Uint64() <= v.lastBlock {
		return &Cycle{Snapshot: v.snapshot}, nil
	}

	touched := make(map[common.Address]struct{})
	if err := v.scanLogs(ctx, v.lastBlock+1, head.Number.Uint64(), touched); err != nil {
		return nil, err
	}
	cycle, err := v.prove(ctx, head, sortedHolders(touched))
	if err != nil {
		return nil, err
	}
	for h := range touched {
		v.holders[h] = struct{}{}
	}
	v.commit(head, cycle)
	return cycle, nil
}

func (v *RPCVerifier) commit(head *types.Header, cycle *Cycle) {
	v.lastBlock = head.Number.Uint64()
	v.snapshot = cycle.Snapshot
}

func (v *RPCVerifier) scanLogs(ctx context.Context, from, to uint64, into map[common.Address]struct{}) error {
	for start := from; start <= to; start += v.cfg.LogRange {
		end := start + v.cfg.LogRange - 1
		if end > to {
			end = to
		}
		logs, err := v.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{v.cfg.Contract},
			Topics:    [][]common.Hash{{TransferTopic}},
		})
		if err != nil {
			return fmt.Errorf("filter logs [%d, %d]: %w", start, end, err)
		}
		holdersFromLogs(logs, into)
	}
	return nil
}

// prove fetches and verifies the balance slots of holders at head. An empty
// holder list still proves the account to obtain the storage root.
func (v *RPCVerifier) prove(ctx context.Context, head *types.Header, holders []common.Address) (*Cycle, error) {
	keys := make([]common.Hash, len(holders))
	for i, h := range holders {
		keys[i] = BalanceSlot(h, v.mappingSlot)
	}

	var chunks [][]common.Hash
	for start := 0; start < len(keys); start += v.cfg.ProofBatch {
		end := start + v.cfg.ProofBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	if len(chunks) == 0 {
		chunks = [][]common.Hash{{}}
	}

	updates := make([]Update, len(keys))
	roots := make([]common.Hash, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.ProofWorkers)
	offset := 0
	for i, chunk := range chunks {
		i, chunk, base := i, chunk, offset
		offset += len(chunk)
		g.Go(func() error {
			res, err := v.chain.GetProof(gctx, v.cfg.Contract, chunk, head.Number)
			if err != nil {
				return fmt.Errorf("eth_getProof at %d: %w", head.Number, err)
			}
			root, err := VerifyAccount(head.Root, res)
			if err != nil {
				return err
			}
			if len(res.StorageProof) != len(chunk) {
				return fmt.Errorf("%w: asked %d slots, got %d proofs", ErrInvalidProof, len(chunk), len(res.StorageProof))
			}
			for j, sp := range res.StorageProof {
				upd, err := VerifyStorage(root, sp)
				if err != nil {
					return err
				}
				if upd.Key != chunk[j] {
					return fmt.Errorf("%w: proof %d is for slot %s, asked %s", ErrInvalidProof, j, upd.Key.Hex(), chunk[j].Hex())
				}
				updates[base+j] = upd
			}
			roots[i] = root
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Cycle{
		Snapshot: protocol.Snapshot{
			BlockID:         head.Number.Uint64(),
			StateRoot:       roots[0],
			ContractAddress: v.cfg.Contract,
		},
		Updates: updates,
	}, nil
}
