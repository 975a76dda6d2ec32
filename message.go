package taps

import "time"

// MessageProperties are the per-message send options named in spec.md §3.
type MessageProperties struct {
	Lifetime         time.Duration // 0 means "no expiry"
	Priority         int
	Ordered          bool
	CapacityProfile  int
	SafelyReplayable bool // gates 0-RTT eligibility in initiate_with_send
	Final            bool // marks end of a connection's send side
}

// DefaultMessageProperties matches the protocol-neutral default: ordered,
// not safely replayable (a cautious default — replaying a message that
// mutates server state is never assumed safe).
func DefaultMessageProperties() MessageProperties {
	return MessageProperties{Ordered: true}
}

// MessageContext carries a message's provenance and user-attached opaque
// context, for both outbound (SafelyReplayable lives on MessageProperties,
// queried here too for convenience) and inbound messages.
type MessageContext struct {
	Properties     MessageProperties
	LocalEndpoint  *LocalEndpoint
	RemoteEndpoint *RemoteEndpoint
	UserContext    any
}

// NewMessageContext returns a context with default message properties.
func NewMessageContext() *MessageContext {
	return &MessageContext{Properties: DefaultMessageProperties()}
}

// Message is an opaque payload plus the context describing how to send or
// how it arrived. No wire format is owned by the core (spec.md §6); this
// is the in-memory unit the adapters and an optional framer operate on.
type Message struct {
	Data    []byte
	Context *MessageContext
}

// NewMessage wraps data with a fresh default context.
func NewMessage(data []byte) *Message {
	return &Message{Data: data, Context: NewMessageContext()}
}

// Framer is the injectable collaborator spec.md's Non-goals name: the
// core never implements message framing itself. A framer turns a stream
// of received bytes into discrete messages, and optionally encodes
// outbound messages before they reach the protocol adapter.
type Framer interface {
	// Encode returns the bytes to write for msg, or an error.
	Encode(msg *Message) ([]byte, error)
	// Feed accepts newly-received bytes and returns zero or more complete
	// messages it could extract, retaining any partial trailing bytes
	// internally for the next call.
	Feed(data []byte) ([]*Message, error)
}

// PassthroughFramer treats every adapter delivery as a single message, the
// default behavior for connection-oriented byte-stream adapters (TCP) when
// no framer is configured.
type PassthroughFramer struct{}

func (PassthroughFramer) Encode(msg *Message) ([]byte, error) { return msg.Data, nil }

func (PassthroughFramer) Feed(data []byte) ([]*Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return []*Message{NewMessage(data)}, nil
}
