// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, CLI test harness, etc.).
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/log"
	"github.com/veridium-tech/veridium-chain/internal/mempool"
	"github.com/veridium-tech/veridium-chain/internal/miner"
	"github.com/veridium-tech/veridium-chain/internal/mining"
	"github.com/veridium-tech/veridium-chain/internal/p2p"
	"github.com/veridium-tech/veridium-chain/internal/rpc"
	"github.com/veridium-tech/veridium-chain/internal/storage"
	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// blockTryBudget bounds hash attempts per production tick. One full
// nonce span; the extra-nonce rolls the coinbase on the next tick.
const blockTryBudget = uint64(1) << 32

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	pow       *consensus.PoW
	ch        *chain.Chain
	pool      *mempool.Pool

	// Work distribution
	assembler   *miner.Assembler
	coordinator *mining.Coordinator
	directMiner *mining.DirectMiner

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	unsubTip func()

	// Producer control. prodCancel is non-nil while the production loop
	// runs; prodMu guards it against concurrent start/stop over RPC.
	prodMu     sync.Mutex
	prodCancel context.CancelFunc
	prodWG     sync.WaitGroup

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, consensus, chain, mempool, work distribution,
// P2P, RPC) but does NOT start background goroutines (mining, sync).
// Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address HRP ──────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/veridium.log"
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := log.WithComponent("node")

	// ── 3. Genesis ──────────────────────────────────────────────────
	genesis := config.BuiltinGenesis(cfg.Network)
	rules := genesis.Protocol.Consensus

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("mode", rules.Mode).
		Int("block_time", rules.BlockTime).
		Msg("Starting Veridium Chain Node")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Consensus engine ─────────────────────────────────────────
	pow, err := consensus.NewPoW(rules.InitialBits, rules.RetargetInterval, rules.BlockTime)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pow engine: %w", err)
	}

	// ── 6. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(db, utxoStore, pow)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(rules)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 7. Mempool ──────────────────────────────────────────────────
	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 5000)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)

	logger.Info().
		Uint64("min_fee_rate", pool.MinFeeRate()).
		Msg("Mempool ready")

	ctx, cancel := context.WithCancel(context.Background())

	// ── 8. Work distribution ────────────────────────────────────────
	assembler := miner.NewAssembler(ch, pool, pow, rules.MaxSupply)
	cache := mining.NewTemplateCache(ch, pool, assembler, cfg.Mining.TemplateCooldown)
	coordinator := mining.NewCoordinator(ch, pool,
		cfg.Mining.LongPollTimeout, cfg.Mining.LongPollRecheck, ctx.Done())
	directMiner := mining.NewDirectMiner(ch, assembler, ctx.Done())

	// ── 9. P2P ──────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	var nodeRef *Node // set after Node is constructed; used by block handler closure
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		p2pNode.SetGenesisHash(ch.GenesisHash())
		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

		// Block handler with sync trigger for unknown parents.
		var syncing atomic.Bool
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			var blk block.Block
			if err := json.Unmarshal(data, &blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal block")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
				return
			}
			if err := ch.ProcessBlock(&blk); err != nil {
				if errors.Is(err, chain.ErrPrevNotFound) && syncing.CompareAndSwap(false, true) {
					go func() {
						defer syncing.Store(false)
						if nodeRef != nil {
							nodeRef.runStartupSync()
						}
					}()
				}
				if !errors.Is(err, chain.ErrBlockKnown) &&
					!errors.Is(err, chain.ErrPrevNotFound) &&
					!errors.Is(err, chain.ErrForkDetected) {
					p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
				}
				if !errors.Is(err, chain.ErrBlockKnown) {
					logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
				}
				return
			}

			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Msg("Block received and applied")
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
				return
			}
			fee, err := pool.Add(&t)
			if err != nil {
				logger.Debug().Err(err).Msg("Rejected transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
				return
			}
			logger.Info().
				Str("tx", t.Hash().String()[:16]+"...").
				Uint64("fee", fee).
				Msg("Transaction added to mempool")
		})

		if err := p2pNode.Start(); err != nil {
			cancel()
			db.Close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		// Sync protocol.
		syncer = p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
			var blocks []*block.Block
			for h := fromHeight; h < fromHeight+uint64(max); h++ {
				blk, err := ch.GetBlockByHeight(h)
				if err != nil {
					break
				}
				blocks = append(blocks, blk)
			}
			return blocks
		})
		syncer.RegisterHeightHandler(func() (uint64, string) {
			return ch.Height(), ch.TipHash().String()
		})
		logger.Info().Msg("Chain sync protocol registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 10. Tip listener ────────────────────────────────────────────
	// Single point where a new tip fans out: long-poll waiters wake,
	// confirmed transactions leave the mempool, and the block is
	// announced to peers regardless of whether it arrived via gossip,
	// RPC submission, or local production.
	unsubTip := ch.OnTipChange(func(tip chain.Tip) {
		coordinator.Notify()
		blk, err := ch.GetBlock(tip.Hash)
		if err != nil {
			logger.Warn().Err(err).Str("tip", tip.Hash.String()[:16]+"...").Msg("Tip block not found")
			return
		}
		pool.RemoveConfirmed(blk.Transactions)
		if p2pNode != nil && !ch.IsInitialSync() {
			if err := p2pNode.BroadcastBlock(blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to broadcast block")
			}
		}
	})

	// Reverted-tx handler.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("reinserted", reinserted).
				Msg("Reverted transactions returned to mempool")
		}
	})

	// ── 11. RPC server ──────────────────────────────────────────────
	var rpcServer *rpc.Server
	var miningBackend *rpc.MiningBackend
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, utxoStore, pool, p2pNode, genesis, cfg.RPC)

		// A nil *p2p.Node must not become a non-nil PeerCounter.
		var peers mining.PeerCounter
		if p2pNode != nil {
			peers = p2pNode
		}
		miningBackend = &rpc.MiningBackend{
			Templates: mining.NewTemplateService(ch, cache, pool, coordinator, peers),
			Submitter: mining.NewSubmitter(ch),
			Miner:     directMiner,
			Info:      mining.NewInfoReporter(ch, pool, pow, genesis),
		}
		rpcServer.SetMining(miningBackend)

		if p2pNode != nil {
			rpcServer.SetBanManager(p2pNode.BanManager)
		}
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	n := &Node{
		cfg:         cfg,
		genesis:     genesis,
		logger:      logger,
		db:          db,
		utxoStore:   utxoStore,
		pow:         pow,
		ch:          ch,
		pool:        pool,
		assembler:   assembler,
		coordinator: coordinator,
		directMiner: directMiner,
		p2pNode:     p2pNode,
		syncer:      syncer,
		rpcServer:   rpcServer,
		unsubTip:    unsubTip,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Wire nodeRef for the block handler sync trigger, and the node as the
	// producer controller for mining_start/stop/status. Both must be in
	// place before the RPC server accepts its first request.
	nodeRef = n
	if miningBackend != nil {
		miningBackend.Control = n
	}

	if rpcServer != nil {
		if err := rpcServer.Start(); err != nil {
			unsubTip()
			if p2pNode != nil {
				p2pNode.Stop()
			}
			cancel()
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcServer.Addr(), err)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	}

	return n, nil
}

// Start launches background goroutines: startup sync, sync loop, miner.
func (n *Node) Start() error {
	// Startup sync.
	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	// Block production.
	if n.cfg.Mining.Enabled {
		if err := n.StartMining(); err != nil {
			return fmt.Errorf("start miner: %w", err)
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("mining", n.MiningActive()).
		Msg("Node started successfully")

	return nil
}

// StartMining launches the block-production loop with the configured
// coinbase address. Calling it while the producer already runs is a no-op.
func (n *Node) StartMining() error {
	n.prodMu.Lock()
	defer n.prodMu.Unlock()
	if n.prodCancel != nil {
		return nil
	}

	coinbaseAddr, err := resolveCoinbase(n.cfg.Mining.Coinbase)
	if err != nil {
		return fmt.Errorf("resolve coinbase: %w", err)
	}
	payout := payToAddress(coinbaseAddr)
	blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second

	n.logger.Info().
		Str("coinbase", coinbaseAddr.String()).
		Uint64("reward", n.genesis.Protocol.Consensus.BlockReward).
		Dur("interval", blockTime).
		Msg("Block production enabled")

	ctx, cancel := context.WithCancel(n.ctx)
	n.prodCancel = cancel

	// Wait stabilization period then mine.
	n.prodWG.Add(1)
	go func() {
		defer n.prodWG.Done()
		stabilize := 3 * blockTime
		n.logger.Info().Dur("delay", stabilize).Msg("Waiting for chain to stabilize before mining")
		select {
		case <-ctx.Done():
			return
		case <-time.After(stabilize):
		}
		n.runProducer(ctx, payout, blockTime)
	}()
	return nil
}

// StopMining stops the block-production loop and waits for it to exit.
// Calling it while the producer is not running is a no-op.
func (n *Node) StopMining() {
	n.prodMu.Lock()
	cancel := n.prodCancel
	n.prodCancel = nil
	n.prodMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.prodWG.Wait()
}

// MiningActive reports whether the block-production loop is running.
func (n *Node) MiningActive() bool {
	n.prodMu.Lock()
	defer n.prodMu.Unlock()
	return n.prodCancel != nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.StopMining()
	n.cancel()
	n.wg.Wait()
	n.unsubTip()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.p2pNode.PeerList()) == 0 {
				continue
			}
			n.runStartupSync()
		}
	}
}

func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	var bestPeer peer.ID
	var bestHeight uint64
	var bestTipHash string
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	localTip := n.ch.TipHash().String()
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			bestHeight = resp.Height
			bestTipHash = resp.TipHash
			bestPeer = p.ID
		} else if resp.Height == bestHeight && resp.TipHash != bestTipHash {
			// Peer at same height with a different tip — track the one
			// that also differs from our local tip for fork detection.
			if resp.TipHash != localTip {
				bestTipHash = resp.TipHash
				bestPeer = p.ID
			}
		}
	}

	localHeight := n.ch.Height()

	// Detect same-height fork: heights match but tips differ.
	if bestHeight == localHeight && bestHeight > 0 {
		if bestTipHash != "" && bestTipHash != localTip {
			n.logger.Info().
				Uint64("height", localHeight).
				Str("local_tip", localTip[:16]+"...").
				Str("peer_tip", bestTipHash[:16]+"...").
				Msg("Same-height fork detected, resolving")
			n.resolveFork(bestPeer, localHeight, bestHeight)
		}
		return
	}

	if bestHeight <= localHeight {
		n.logger.Info().Uint64("height", localHeight).Msg("Chain is up to date")
		return
	}

	total := bestHeight - localHeight
	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for from := localHeight + 1; from <= bestHeight; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > bestHeight {
			max = uint32(bestHeight - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			break
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrPrevNotFound) {
					n.logger.Info().
						Uint64("height", blk.Header.Height).
						Msg("Fork detected during sync, resolving")
					n.resolveFork(bestPeer, blk.Header.Height, bestHeight)
					return
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
		}

		synced := n.ch.Height() - localHeight
		pct := float64(synced) / float64(total) * 100
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		remaining := ""
		if bps > 0 {
			eta := float64(total-synced) / bps
			remaining = fmt.Sprintf("%.0fs", eta)
		}

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Str("eta", remaining).
			Msg("Syncing")
	}

	elapsed := time.Since(syncStart)
	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", elapsed).
		Msg("Sync complete")
}

func (n *Node) resolveFork(peerID peer.ID, failedHeight, peerTip uint64) {
	searchFrom := failedHeight - 1
	if searchFrom > n.ch.Height() {
		searchFrom = n.ch.Height()
	}

	var ancestorHeight uint64
	found := false

	for h := searchFrom; ; h-- {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		peerBlocks, err := n.syncer.RequestBlocks(reqCtx, peerID, h, 1)
		cancel()
		if err != nil || len(peerBlocks) == 0 {
			if h == 0 {
				break
			}
			continue
		}

		localBlk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			if h == 0 {
				break
			}
			continue
		}

		if peerBlocks[0].Hash() == localBlk.Hash() {
			ancestorHeight = h
			found = true
			break
		}

		if h == 0 {
			break // Reached genesis, prevent uint64 underflow.
		}
	}

	if !found {
		n.logger.Warn().
			Uint64("searched_from", searchFrom).
			Msg("Fork resolution failed: no common ancestor found")
		return
	}

	n.logger.Info().
		Uint64("ancestor", ancestorHeight).
		Uint64("peer_tip", peerTip).
		Uint64("fork_blocks", peerTip-ancestorHeight).
		Msg("Common ancestor found, downloading fork blocks")

	for from := ancestorHeight + 1; from <= peerTip; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > peerTip {
			max = uint32(peerTip - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, peerID, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Fork sync request failed")
			return
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				n.logger.Warn().Err(err).
					Uint64("height", blk.Header.Height).
					Msg("Fork sync block failed")
				return
			}
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Msg("Fork resolved")
}

// ── Block production ────────────────────────────────────────────────

func (n *Node) runProducer(ctx context.Context, payout types.Script, blockTime time.Duration) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			if n.ch.IsInitialSync() && n.ch.Height() > 0 {
				continue
			}

			hashes, err := n.directMiner.MineBlocks(payout, 1, blockTryBudget)
			if err != nil {
				n.logger.Error().Err(err).Msg("Failed to produce block")
				continue
			}
			if len(hashes) == 0 {
				// Try budget exhausted or shutdown; the next tick
				// assembles a fresh candidate with a rolled coinbase.
				n.logger.Debug().Msg("No block found this interval")
				continue
			}

			n.logger.Info().
				Uint64("height", n.ch.Height()).
				Str("hash", hashes[0].String()[:16]+"...").
				Msg("Block produced")
		}
	}
}
