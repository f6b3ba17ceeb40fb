package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/mining"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// generateDefaultTries is the per-block nonce budget for mining_generate
// when max_tries is not given.
const generateDefaultTries = 1000000

// generateMaxBlocks caps a single mining_generate call.
const generateMaxBlocks = 100

func (s *Server) requireMining() *Error {
	if s.mining == nil {
		return &Error{Code: CodeNotFound, Message: "mining services not enabled"}
	}
	return nil
}

// miningError maps mining-layer sentinel errors onto JSON-RPC error codes.
func miningError(err error) *Error {
	switch {
	case errors.Is(err, mining.ErrNoPeers):
		return &Error{Code: CodeNotConnected, Message: "node is not connected to any peers"}
	case errors.Is(err, mining.ErrInitialSync):
		return &Error{Code: CodeInitialDownload, Message: "node is downloading blocks, try again later"}
	case errors.Is(err, mining.ErrBadRequest):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, mining.ErrDecode):
		return &Error{Code: CodeDecodeFailed, Message: err.Error()}
	case errors.Is(err, mining.ErrMissingPrev):
		return &Error{Code: CodeVerifyRejected, Message: "previous header is not known, submit it first"}
	case errors.Is(err, mining.ErrTemplateBuild):
		return &Error{Code: CodeInternalError, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}

func (s *Server) handleMiningGetBlockTemplate(req *Request) (interface{}, *Error) {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return nil, rpcErr
	}

	// Params are optional: a bare call means template mode.
	var params mining.TemplateRequest
	if req.Params != nil {
		if rpcErr := parseParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}

	result, err := s.mining.Templates.GetTemplate(&params)
	if err != nil {
		return nil, miningError(err)
	}
	return result, nil
}

func (s *Server) handleMiningSubmitBlock(req *Request) (interface{}, *Error) {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return nil, rpcErr
	}

	var params DataParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Data == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "data is required"}
	}

	raw, err := hex.DecodeString(params.Data)
	if err != nil {
		return nil, &Error{Code: CodeDecodeFailed, Message: "data must be hex"}
	}

	result, err := s.mining.Submitter.SubmitBlock(raw)
	if err != nil {
		return nil, miningError(err)
	}

	// An empty result means the block was accepted.
	if result == mining.ResultAccepted {
		return nil, nil
	}
	return result, nil
}

func (s *Server) handleMiningSubmitHeader(req *Request) (interface{}, *Error) {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return nil, rpcErr
	}

	var params DataParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Data == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "data is required"}
	}

	raw, err := hex.DecodeString(params.Data)
	if err != nil {
		return nil, &Error{Code: CodeDecodeFailed, Message: "data must be hex"}
	}

	if err := s.mining.Submitter.SubmitHeader(raw); err != nil {
		switch {
		case errors.Is(err, mining.ErrDecode), errors.Is(err, mining.ErrMissingPrev):
			return nil, miningError(err)
		default:
			return nil, &Error{Code: CodeVerifyRejected, Message: err.Error()}
		}
	}
	return nil, nil
}

func (s *Server) handleMiningGetInfo(_ *Request) (interface{}, *Error) {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return nil, rpcErr
	}
	return s.mining.Info.MiningInfo(), nil
}

func (s *Server) handleMiningPrioritizeTransaction(req *Request) (interface{}, *Error) {
	var params PrioritizeParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}

	txHash, rpcErr := parseHash(params.TxID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	s.pool.Prioritize(txHash, params.FeeDelta)
	return true, nil
}

// requireMinerControl gates the producer-control endpoints: the backend
// must carry a controller and the network must run in work mode.
func (s *Server) requireMinerControl() *Error {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return rpcErr
	}
	if s.mining.Control == nil {
		return &Error{Code: CodeNotFound, Message: "miner control not enabled"}
	}
	if s.genesis != nil && s.genesis.Protocol.Consensus.Mode != config.ModeWork {
		return &Error{Code: CodeInvalidRequest, Message: "miner control requires a proof-of-work network"}
	}
	return nil
}

func (s *Server) handleMiningStart(_ *Request) (interface{}, *Error) {
	if rpcErr := s.requireMinerControl(); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.mining.Control.StartMining(); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return &MinerStatusResult{Status: "active"}, nil
}

func (s *Server) handleMiningStop(_ *Request) (interface{}, *Error) {
	if rpcErr := s.requireMinerControl(); rpcErr != nil {
		return nil, rpcErr
	}
	s.mining.Control.StopMining()
	return &MinerStatusResult{Status: "stopped"}, nil
}

func (s *Server) handleMiningStatus(_ *Request) (interface{}, *Error) {
	if rpcErr := s.requireMinerControl(); rpcErr != nil {
		return nil, rpcErr
	}
	status := "stopped"
	if s.mining.Control.MiningActive() {
		status = "active"
	}
	return &MinerStatusResult{Status: status}, nil
}

func (s *Server) handleMiningGenerate(req *Request) (interface{}, *Error) {
	if rpcErr := s.requireMining(); rpcErr != nil {
		return nil, rpcErr
	}
	if s.mining.Miner == nil {
		return nil, &Error{Code: CodeNotFound, Message: "direct mining not enabled"}
	}

	var params GenerateParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Blocks <= 0 || params.Blocks > generateMaxBlocks {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("blocks must be 1..%d", generateMaxBlocks)}
	}

	addr, rpcErr := decodeAddress(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	script := types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()}

	maxTries := params.MaxTries
	if maxTries == 0 {
		maxTries = generateDefaultTries
	}

	hashes, err := s.mining.Miner.MineBlocks(script, params.Blocks, maxTries)
	if err != nil {
		return nil, miningError(err)
	}

	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &GenerateResult{Hashes: hexHashes}, nil
}
