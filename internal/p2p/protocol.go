package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/veridium/tx/1.0.0"
	TopicBlocks       = "/veridium/block/1.0.0"
)

// Stream protocol IDs.
const (
	// HandshakeProtocol is the stream protocol for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/veridium/handshake/1.0.0")

	// SyncProtocol is the stream protocol for chain block synchronization.
	SyncProtocol = protocol.ID("/veridium/sync/1.0.0")

	// HeightProtocol is the stream protocol for querying a peer's chain height.
	HeightProtocol = protocol.ID("/veridium/height/1.0.0")
)

// Protocol version negotiated during handshake.
const (
	// ProtocolVersion is the current protocol version advertised to peers.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgTx    MessageType = iota + 1 // Transaction broadcast.
	MsgBlock                        // Block broadcast.
)

// Message is a P2P protocol message.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}
