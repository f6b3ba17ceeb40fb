package mining

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/log"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// PeerCounter reports how many peers the node is connected to.
type PeerCounter interface {
	PeerCount() int
}

// Template request precondition errors.
var (
	ErrNoPeers     = errors.New("node is not connected to any peers")
	ErrInitialSync = errors.New("node is still syncing the chain")
	ErrBadRequest  = errors.New("invalid template request")
)

// NonceRange is the full 32-bit search space offered to miners.
const NonceRange = "00000000ffffffff"

// templateMutable lists what a miner may change without invalidating the
// template: the timestamp, the transaction set, and (after a tip change)
// the previous block.
var templateMutable = []string{"time", "transactions", "prevblock"}

// TemplateRequest is the argument of a template call. Mode selects between
// handing out work (default) and checking a proposal.
type TemplateRequest struct {
	Mode       string `json:"mode,omitempty"`
	LongPollID string `json:"longpollid,omitempty"`
	// Data is the hex-encoded proposal block, proposal mode only.
	Data string `json:"data,omitempty"`
}

// TemplateTx is one non-coinbase transaction inside a template.
type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	// Depends are 1-based indices of earlier template transactions this
	// one spends outputs of.
	Depends []int  `json:"depends"`
	Fee     uint64 `json:"fee"`
	SigOps  int    `json:"sigops"`
	Weight  int    `json:"weight"`
}

// Template is the work handed to an external miner. Field names follow the
// getblocktemplate convention so existing mining software can consume it.
type Template struct {
	Version       uint32       `json:"version"`
	Rules         []string     `json:"rules"`
	PrevBlockHash string       `json:"previousblockhash"`
	Transactions  []TemplateTx `json:"transactions"`
	CoinbaseValue uint64       `json:"coinbasevalue"`
	LongPollID    string       `json:"longpollid"`
	Target        string       `json:"target"`
	MinTime       uint64       `json:"mintime"`
	Mutable       []string     `json:"mutable"`
	NonceRange    string       `json:"noncerange"`
	SigOpLimit    int          `json:"sigoplimit"`
	SizeLimit     int          `json:"sizelimit"`
	CurTime       uint64       `json:"curtime"`
	Bits          string       `json:"bits"`
	Height        uint64       `json:"height"`
}

// TemplateService answers "give me work" and "is this proposal valid".
type TemplateService struct {
	engine   Engine
	cache    *TemplateCache
	pool     VersionReader
	longpoll *Coordinator
	peers    PeerCounter
	now      func() time.Time
}

// NewTemplateService wires the template cache and long-poll coordinator
// behind one entry point. peers may be nil on single-node test networks;
// the peer precondition is skipped then.
func NewTemplateService(engine Engine, cache *TemplateCache, pool VersionReader, longpoll *Coordinator, peers PeerCounter) *TemplateService {
	return &TemplateService{
		engine:   engine,
		cache:    cache,
		pool:     pool,
		longpoll: longpoll,
		peers:    peers,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for curtime stamping.
func (ts *TemplateService) SetClock(now func() time.Time) {
	ts.now = now
}

// GetTemplate handles a template call. Template mode returns *Template;
// proposal mode returns nil for an acceptable block or a reject string.
func (ts *TemplateService) GetTemplate(req *TemplateRequest) (any, error) {
	if req == nil {
		req = &TemplateRequest{}
	}
	switch req.Mode {
	case "", "template":
		return ts.buildTemplate(req.LongPollID)
	case "proposal":
		return ts.checkProposal(req.Data)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, req.Mode)
	}
}

func (ts *TemplateService) buildTemplate(longPollID string) (*Template, error) {
	if ts.peers != nil && ts.peers.PeerCount() == 0 {
		return nil, ErrNoPeers
	}
	if ts.engine.IsInitialSync() {
		return nil, ErrInitialSync
	}

	if longPollID != "" {
		token, err := ParseToken(longPollID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		// The wait result only gates proceeding; whatever woke us, the
		// answer is built from current state.
		result := ts.longpoll.Wait(token)
		log.Mining.Debug().Stringer("reason", result).Msg("long poll released")
	}

	// The coinbase in a template is a placeholder: miners replace it with
	// their own payout, so the null script is enough.
	entry, err := ts.cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		return nil, err
	}

	cand := entry.Candidate
	txs := cand.Block.Transactions

	// 1-based position of each template transaction, coinbase excluded,
	// for dependency indices.
	position := make(map[types.Hash]int, len(txs)-1)
	for i, transaction := range txs[1:] {
		position[transaction.Hash()] = i + 1
	}

	templateTxs := make([]TemplateTx, 0, len(txs)-1)
	for i, transaction := range txs[1:] {
		raw, err := json.Marshal(transaction)
		if err != nil {
			return nil, fmt.Errorf("encode template transaction: %w", err)
		}
		var depends []int
		for _, in := range transaction.Inputs {
			if pos, ok := position[in.PrevOut.TxID]; ok && pos < i+1 {
				depends = append(depends, pos)
			}
		}
		templateTxs = append(templateTxs, TemplateTx{
			Data:    hex.EncodeToString(raw),
			TxID:    transaction.Hash().String(),
			Hash:    transaction.WitnessHash().String(),
			Depends: depends,
			Fee:     cand.Fees[i],
			SigOps:  transaction.SigOps(),
			Weight:  transaction.Weight(),
		})
	}

	curTime := uint64(ts.now().Unix())
	if curTime < cand.MinTime {
		curTime = cand.MinTime
	}

	bits := cand.Block.Header.Bits
	return &Template{
		Version:       cand.Block.Header.Version,
		Rules:         []string{},
		PrevBlockHash: cand.Block.Header.PrevHash.String(),
		Transactions:  templateTxs,
		CoinbaseValue: cand.Block.Transactions[0].Outputs[0].Value,
		LongPollID:    Token{TipHash: entry.TipHash, Version: entry.Version}.String(),
		Target:        fmt.Sprintf("%064x", consensus.CompactToBig(bits)),
		MinTime:       cand.MinTime,
		Mutable:       templateMutable,
		NonceRange:    NonceRange,
		SigOpLimit:    config.MaxBlockSigOps,
		SizeLimit:     config.MaxBlockSize,
		CurTime:       curTime,
		Bits:          fmt.Sprintf("%08x", bits),
		Height:        cand.Height,
	}, nil
}

// checkProposal validates a fully formed candidate without connecting it.
// Returns nil when the block would be accepted as the next block.
func (ts *TemplateService) checkProposal(data string) (any, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: proposal mode requires data", ErrBadRequest)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	blk, err := DecodeBlock(raw)
	if err != nil {
		return nil, err
	}

	hash := blk.Hash()
	status, _ := ts.engine.BlockStatus(hash)
	switch status {
	case chain.StatusValid:
		return ResultDuplicate, nil
	case chain.StatusInvalid:
		return ResultDuplicateInvalid, nil
	case chain.StatusStored:
		return ResultDuplicateUnverified, nil
	}

	// Contextual checks only mean something against the active tip;
	// cross-tip proposals are answered without running them.
	if blk.Header.PrevHash != ts.engine.Tip().Hash {
		return ResultWrongPrev, nil
	}

	if err := ts.engine.CheckBlockOnly(blk); err != nil {
		return chain.RejectReason(err), nil
	}
	return nil, nil
}
