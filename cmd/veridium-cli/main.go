// veridium-cli is a command-line client for interacting with a veridiond node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/mining"
	"github.com/veridium-tech/veridium-chain/internal/rpc"
	"github.com/veridium-tech/veridium-chain/internal/rpcclient"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8339"
	network := "mainnet"

	// Scan for --rpc and --network before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	// Set address HRP based on network.
	if network == "testnet" {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "balance":
		cmdBalance(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "banlist":
		cmdBanList(client)
	case "mining":
		cmdMining(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: veridium-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8339)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  tx <hash>                       Show transaction details
  balance <address>               Show address balance
  mempool                         Show mempool stats
  peers                           Show connected peers
  banlist                         Show banned peers

  mining template [--longpoll <id>]
                                  Get a block template for external mining
  mining propose --block <json_file>
                                  Check a block against consensus without connecting it
  mining submit --block <json_file>
                                  Submit a solved block
  mining submitheader --header <json_file>
                                  Submit a solved header for early validation
  mining info                     Show mining-related node state
  mining generate --address <addr> --blocks <n> [--maxtries <n>]
                                  Mine blocks in-process (regtest-style)
  mining prioritize --tx <hash> --delta <fee>
                                  Adjust a transaction's template priority
  mining start                    Start the node's block producer
  mining stop                     Stop the node's block producer
  mining status                   Show whether the block producer is running
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:   %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:  %s\n", info.Symbol)
	}
	fmt.Printf("Height:  %d\n", info.Height)
	fmt.Printf("Tip:     %s\n", info.TipHash)
	fmt.Printf("Supply:  %s %s\n", formatAmount(info.Supply), info.Symbol)

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:   %d\n", peers.Count)
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veridium-cli block <hash|height>")
	}

	arg := args[0]
	var result rpc.BlockResult

	// Try as height first (pure number).
	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &result); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		// Treat as hash.
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &result); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}

	fmt.Printf("Hash:         %s\n", result.Hash)
	fmt.Printf("Height:       %d\n", result.Header.Height)
	fmt.Printf("Prev:         %s\n", result.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", result.Header.MerkleRoot)
	ts := time.Unix(int64(result.Header.Timestamp), 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Bits:         %08x\n", result.Header.Bits)
	fmt.Printf("Nonce:        %d\n", result.Header.Nonce)
	fmt.Printf("Transactions: %d\n", len(result.Transactions))
}

// ── tx ──────────────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veridium-cli tx <hash>")
	}

	var raw json.RawMessage
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: args[0]}, &raw); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veridium-cli balance <address>")
	}

	var result rpc.BalanceResult
	if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: args[0]}, &result); err != nil {
		fatal("utxo_getBalance: %v", err)
	}

	fmt.Printf("Address:   %s\n", result.Address)
	fmt.Printf("Spendable: %s VRD\n", formatAmount(result.Spendable))
	if result.Balance != result.Spendable {
		fmt.Printf("Total:     %s VRD\n", formatAmount(result.Balance))
		if result.Immature > 0 {
			fmt.Printf("Immature:  %s VRD\n", formatAmount(result.Immature))
		}
	}
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Count:   %d\n", info.Count)
	fmt.Printf("Version: %d\n", info.Version)
	fmt.Printf("Min Fee Rate: %d per byte\n", info.MinFeeRate)

	if info.Count > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		fmt.Println("Pending:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (connected: %s)\n", p.ID, p.ConnectedAt)
	}
}

func cmdBanList(client *rpcclient.Client) {
	var bans rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &bans); err != nil {
		fatal("net_getBanList: %v", err)
	}

	fmt.Printf("Banned:  %d\n", bans.Count)
	for _, b := range bans.Bans {
		until := time.Unix(b.ExpiresAt, 0).UTC()
		fmt.Printf("  %s score=%d until=%s (%s)\n", b.ID, b.Score,
			until.Format("2006-01-02 15:04:05"), b.Reason)
	}
}

// ── mining ──────────────────────────────────────────────────────────────

func cmdMining(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veridium-cli mining <template|propose|submit|submitheader|info|generate|prioritize|start|stop|status> [flags]")
	}

	switch args[0] {
	case "template":
		cmdMiningTemplate(client, args[1:])
	case "propose":
		cmdMiningPropose(client, args[1:])
	case "submit":
		cmdMiningSubmit(client, args[1:])
	case "submitheader":
		cmdMiningSubmitHeader(client, args[1:])
	case "info":
		cmdMiningInfo(client)
	case "generate":
		cmdMiningGenerate(client, args[1:])
	case "prioritize":
		cmdMiningPrioritize(client, args[1:])
	case "start":
		cmdMinerControl(client, "mining_start")
	case "stop":
		cmdMinerControl(client, "mining_stop")
	case "status":
		cmdMinerControl(client, "mining_status")
	default:
		fatal("Unknown mining command: %s", args[0])
	}
}

func cmdMinerControl(client *rpcclient.Client, method string) {
	var result rpc.MinerStatusResult
	if err := client.Call(method, nil, &result); err != nil {
		fatal("%s: %v", method, err)
	}
	fmt.Printf("Miner: %s\n", result.Status)
}

func cmdMiningTemplate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining template", flag.ExitOnError)
	longPollID := fs.String("longpoll", "", "Long-poll token from a previous template")
	fs.Parse(args)

	var result mining.Template
	req := mining.TemplateRequest{LongPollID: *longPollID}
	if err := client.Call("mining_getBlockTemplate", req, &result); err != nil {
		fatal("mining_getBlockTemplate: %v", err)
	}

	// Output as JSON for external miner consumption.
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

func cmdMiningPropose(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining propose", flag.ExitOnError)
	blockFile := fs.String("block", "", "Path to block JSON file")
	fs.Parse(args)

	if *blockFile == "" {
		fatal("Usage: veridium-cli mining propose --block <json_file>")
	}

	var reason *string
	req := mining.TemplateRequest{Mode: "proposal", Data: hexFile(*blockFile)}
	if err := client.Call("mining_getBlockTemplate", req, &reason); err != nil {
		fatal("mining_getBlockTemplate: %v", err)
	}

	if reason == nil {
		fmt.Println("Proposal acceptable")
	} else {
		fmt.Printf("Proposal rejected: %s\n", *reason)
	}
}

func cmdMiningSubmit(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining submit", flag.ExitOnError)
	blockFile := fs.String("block", "", "Path to solved block JSON file")
	fs.Parse(args)

	if *blockFile == "" {
		fatal("Usage: veridium-cli mining submit --block <json_file>")
	}

	var reason *string
	if err := client.Call("mining_submitBlock", rpc.DataParam{Data: hexFile(*blockFile)}, &reason); err != nil {
		fatal("mining_submitBlock: %v", err)
	}

	if reason == nil {
		fmt.Println("Block accepted")
	} else {
		fmt.Printf("Block rejected: %s\n", *reason)
	}
}

func cmdMiningSubmitHeader(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining submitheader", flag.ExitOnError)
	headerFile := fs.String("header", "", "Path to header JSON file")
	fs.Parse(args)

	if *headerFile == "" {
		fatal("Usage: veridium-cli mining submitheader --header <json_file>")
	}

	if err := client.Call("mining_submitHeader", rpc.DataParam{Data: hexFile(*headerFile)}, nil); err != nil {
		fatal("mining_submitHeader: %v", err)
	}
	fmt.Println("Header accepted")
}

func cmdMiningInfo(client *rpcclient.Client) {
	var raw json.RawMessage
	if err := client.Call("mining_getInfo", nil, &raw); err != nil {
		fatal("mining_getInfo: %v", err)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

func cmdMiningGenerate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining generate", flag.ExitOnError)
	address := fs.String("address", "", "Coinbase payout address")
	blocks := fs.Int("blocks", 1, "Number of blocks to mine")
	maxTries := fs.Uint64("maxtries", 0, "Hash attempt budget (0 = default)")
	fs.Parse(args)

	if *address == "" {
		fatal("Usage: veridium-cli mining generate --address <addr> --blocks <n>")
	}

	var result rpc.GenerateResult
	param := rpc.GenerateParam{Address: *address, Blocks: *blocks, MaxTries: *maxTries}
	if err := client.Call("mining_generate", param, &result); err != nil {
		fatal("mining_generate: %v", err)
	}

	fmt.Printf("Mined %d block(s):\n", len(result.Hashes))
	for _, h := range result.Hashes {
		fmt.Printf("  %s\n", h)
	}
}

func cmdMiningPrioritize(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining prioritize", flag.ExitOnError)
	txHash := fs.String("tx", "", "Transaction hash")
	delta := fs.Int64("delta", 0, "Fee delta in base units (may be negative)")
	fs.Parse(args)

	if *txHash == "" {
		fatal("Usage: veridium-cli mining prioritize --tx <hash> --delta <fee>")
	}

	var ok bool
	param := rpc.PrioritizeParam{TxID: *txHash, FeeDelta: *delta}
	if err := client.Call("mining_prioritizeTransaction", param, &ok); err != nil {
		fatal("mining_prioritizeTransaction: %v", err)
	}
	fmt.Printf("Prioritized %s by %d\n", *txHash, *delta)
}

// ── Helpers ─────────────────────────────────────────────────────────────

// hexFile reads a JSON file and returns its hex encoding, the wire form
// the submission endpoints expect.
func hexFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read %s: %v", path, err)
	}
	var check json.RawMessage
	if err := json.Unmarshal(data, &check); err != nil {
		fatal("invalid JSON in %s: %v", path, err)
	}
	return hex.EncodeToString(data)
}

// formatAmount renders raw base units as a decimal coin amount.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%08d", whole, frac)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
