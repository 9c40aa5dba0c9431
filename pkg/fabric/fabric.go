// Package fabric implements the message-passing substrate that ties
// the node controller, its spawners and workers, and a remote
// scheduler together: named endpoint registration, location lookup,
// fire-and-forget send, timeout-bounded deliver, and a subscribable
// peer online/offline stream.
package fabric

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/dispycosnode/pkg/types"
)

// PeerStatus reports whether a peer connection is up or down.
type PeerStatus int

const (
	PeerOnline PeerStatus = iota
	PeerOffline
)

func (s PeerStatus) String() string {
	if s == PeerOnline {
		return "online"
	}
	return "offline"
}

// PeerEvent reports a peer connection transition.
type PeerEvent struct {
	Endpoint types.Endpoint
	Status   PeerStatus
}

// Message is an addressed payload exchanged through the fabric. The
// payload is a plain string-keyed map so that both control messages
// (run/close/quit/terminate/...) and job results can travel through
// the same envelope without a dedicated wire type per message kind.
type Message struct {
	To      types.Endpoint
	From    types.Endpoint
	Payload map[string]interface{}
}

// ErrDeliveryTimeout is returned by Deliver when the peer does not
// acknowledge receipt within the requested timeout.
var ErrDeliveryTimeout = errors.New("fabric: delivery timed out")

// ErrUnknownEndpoint is returned by Locate when a name never resolves
// within the caller's wait budget.
var ErrUnknownEndpoint = errors.New("fabric: unknown endpoint")

// ErrClosed is returned by fabric operations performed after Close.
var ErrClosed = errors.New("fabric: closed")

// Fabric is the messaging substrate endpoints register on, locate
// each other through, and exchange addressed payloads over.
type Fabric interface {
	// Register creates a locally addressable endpoint under name and
	// returns it along with the channel its inbound messages arrive
	// on. The channel is closed when Deregister or Close is called.
	Register(name string) (types.Endpoint, <-chan Message, error)

	// Deregister removes a previously registered local endpoint.
	Deregister(name string)

	// Locate resolves a name to its endpoint, waiting up to timeout
	// for it to be registered locally if it is not yet known.
	Locate(ctx context.Context, name string, timeout time.Duration) (types.Endpoint, error)

	// Send delivers a message without waiting for the peer's
	// acknowledgement; delivery failures are only observable on the
	// Peers() stream going Offline.
	Send(msg Message) error

	// Deliver sends a message and waits up to timeout for the peer to
	// acknowledge receipt, returning ErrDeliveryTimeout otherwise.
	Deliver(ctx context.Context, msg Message, timeout time.Duration) error

	// Peers returns a channel of peer connection transitions observed
	// while dialing or serving requests.
	Peers() <-chan PeerEvent

	// Close stops serving, closes all pooled connections, and closes
	// every endpoint's inbox channel.
	Close() error
}
