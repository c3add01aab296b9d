package transport

// ReceivedMessage represents an incoming message from the network.
// The Data field contains the raw outer IKEv2 datagram bytes exactly as
// received from the wire, including the IKE header and (if fragmented)
// exactly one fragment. Higher layers (pkg/wire, pkg/taskmanager) are
// responsible for parsing and reassembly.
type ReceivedMessage struct {
	// Data contains the raw message bytes.
	Data []byte
	// PeerAddr identifies the source of the message.
	PeerAddr PeerAddress
}

// MessageHandler is called for each received message.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)
