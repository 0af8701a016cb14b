package transport

import (
	"context"
	"errors"

	"github.com/voocel/taskrpc/protocol"
)

var ErrConnectionClosed = errors.New("connection closed")

// Transport creates a bidirectional connection between a client and a server.
type Transport interface {
	// Connect returns the logical JSON-RPC connection.
	// It is called exactly once, by Server.Connect or Client.Connect.
	Connect(ctx context.Context) (Connection, error)
}

// Connection is a logical bidirectional JSON-RPC connection.
type Connection interface {
	// Read returns the next message to process.
	//
	// Read must be callable concurrently with Close; in particular,
	// Close must unblock a pending Read.
	Read(ctx context.Context) (*protocol.JSONRPCMessage, error)

	// Write sends a message to the peer.
	//
	// Write may be called concurrently, since calls and responses can
	// originate from user code at the same time.
	Write(ctx context.Context, msg *protocol.JSONRPCMessage) error

	// Close terminates the connection. It is called implicitly when
	// Read or Write fails, and may be called multiple times.
	Close() error

	// SessionID returns the session ID, or "" if the transport has none.
	SessionID() string
}
