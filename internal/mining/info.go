package mining

import (
	"math/big"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/pkg/block"
)

// InfoChain is the chain surface the info reporter reads.
type InfoChain interface {
	Tip() chain.Tip
	IsInitialSync() bool
	BlockReward() uint64
	Supply() uint64
	GetBlockByHeight(height uint64) (*block.Block, error)
}

// TxCounter reports the number of pending mempool transactions.
type TxCounter interface {
	Count() int
}

// hashrateWindow is how many recent blocks the network hashrate estimate
// averages over.
const hashrateWindow = 120

// InfoShared holds the fields common to both network variants.
type InfoShared struct {
	Blocks      uint64 `json:"blocks"`
	Chain       string `json:"chain"`
	BlockReward uint64 `json:"blockreward"`
	PooledTx    int    `json:"pooledtx"`
	Warnings    string `json:"warnings"`
}

// WorkInfo is the mining-info response on proof-of-work networks.
type WorkInfo struct {
	InfoShared
	Difficulty    float64 `json:"difficulty"`
	NetworkHashPS float64 `json:"networkhashps"`
}

// SplitDifficulty reports work and stake difficulty side by side.
type SplitDifficulty struct {
	ProofOfWork  float64 `json:"proof-of-work"`
	ProofOfStake float64 `json:"proof-of-stake"`
}

// StakeInfo is the mining-info response on stake networks. Work difficulty
// is still reported: these networks fall back to proof of work.
type StakeInfo struct {
	InfoShared
	Difficulty     SplitDifficulty `json:"difficulty"`
	NetStakeWeight uint64          `json:"netstakeweight"`
	StakeInterest  float64         `json:"stakeinterest"`
}

// InfoReporter builds the mining-info response for the node's network
// variant.
type InfoReporter struct {
	chain InfoChain
	pool  TxCounter
	pow   *consensus.PoW
	gen   *config.Genesis
}

// NewInfoReporter creates a mining-info reporter.
func NewInfoReporter(chainView InfoChain, pool TxCounter, pow *consensus.PoW, gen *config.Genesis) *InfoReporter {
	return &InfoReporter{chain: chainView, pool: pool, pow: pow, gen: gen}
}

// MiningInfo returns WorkInfo or StakeInfo depending on the consensus
// mode declared in genesis.
func (r *InfoReporter) MiningInfo() any {
	tip := r.chain.Tip()

	shared := InfoShared{
		Blocks:      tip.Height,
		Chain:       r.gen.ChainID,
		BlockReward: r.chain.BlockReward(),
		PooledTx:    r.pool.Count(),
	}
	if r.chain.IsInitialSync() {
		shared.Warnings = "chain is still syncing; template requests are refused"
	}

	difficulty := r.difficulty(tip.Bits)
	if r.gen.Protocol.Consensus.Mode == config.ModeStake {
		return StakeInfo{
			InfoShared: shared,
			Difficulty: SplitDifficulty{
				ProofOfWork: difficulty,
				// Stake difficulty is not tracked separately; block
				// production is proof-of-work on both variants.
				ProofOfStake: 0,
			},
			NetStakeWeight: r.chain.Supply(),
			StakeInterest:  float64(r.gen.Protocol.Consensus.StakeInterest) / 100,
		}
	}
	return WorkInfo{
		InfoShared:    shared,
		Difficulty:    difficulty,
		NetworkHashPS: r.networkHashPS(tip.Height),
	}
}

// difficulty is the ratio of the minimum-difficulty target to the current
// one: how much harder than the easiest allowed block a block is now.
func (r *InfoReporter) difficulty(bits uint32) float64 {
	target := consensus.CompactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(
		new(big.Float).SetInt(r.pow.PowLimit()),
		new(big.Float).SetInt(target),
	).Float64()
	return d
}

// networkHashPS estimates the network hash rate from the work and elapsed
// time of the last blocks, up to hashrateWindow of them.
func (r *InfoReporter) networkHashPS(tipHeight uint64) float64 {
	if tipHeight == 0 {
		return 0
	}
	start := uint64(0)
	if tipHeight > hashrateWindow {
		start = tipHeight - hashrateWindow
	}

	first, err := r.chain.GetBlockByHeight(start)
	if err != nil {
		return 0
	}
	last, err := r.chain.GetBlockByHeight(tipHeight)
	if err != nil {
		return 0
	}
	elapsed := int64(last.Header.Timestamp) - int64(first.Header.Timestamp)
	if elapsed <= 0 {
		return 0
	}

	work := new(big.Int)
	for h := start + 1; h <= tipHeight; h++ {
		blk, err := r.chain.GetBlockByHeight(h)
		if err != nil {
			return 0
		}
		work.Add(work, consensus.CalcWork(blk.Header.Bits))
	}

	rate, _ := new(big.Float).Quo(
		new(big.Float).SetInt(work),
		new(big.Float).SetInt64(elapsed),
	).Float64()
	return rate
}
