// Package message implements the tagged Message union that moves between
// sources, jobs, and sinks, and the bounded channel endpoints stages use to
// exchange it.
package message

import (
	"context"

	"github.com/google/uuid"
)

// Kind discriminates the two Message shapes.
type Kind int

const (
	// KindJSON carries an anonymous JSON payload with no identity.
	KindJSON Kind = iota
	// KindJSONWithSender carries an identity-bearing payload used for
	// correlation between stages and for request/response round-trips.
	KindJSONWithSender
)

// Message is the discriminated record carried over every channel in the
// flow runtime. Only the fields relevant to Kind are populated; shape is
// enforced at construction time by the New* functions rather than by
// ad-hoc field mutation.
type Message struct {
	Kind   Kind
	UUID   string // set only for KindJSONWithSender
	Sender string // set only for KindJSONWithSender
	Source string // optional subtopic: Kafka topic, HTTP route, webhook name
	Value  any
}

// NewJSON builds an anonymous-payload message.
func NewJSON(value any) Message {
	return Message{Kind: KindJSON, Value: value}
}

// NewJSONWithSender builds an identity-bearing message. If uuid is empty a
// fresh one is generated, matching "a fresh 128-bit identifier generated at
// the ingress".
func NewJSONWithSender(id, sender, source string, value any) Message {
	if id == "" {
		id = uuid.NewString()
	}
	return Message{
		Kind:   KindJSONWithSender,
		UUID:   id,
		Sender: sender,
		Source: source,
		Value:  value,
	}
}

// WithSender returns a copy of m re-tagged with a new sender, preserving
// UUID and Source — the "copy and re-tag sender but preserve uuid" hop
// invariant.
func (m Message) WithSender(sender string) Message {
	m.Sender = sender
	return m
}

// Endpoint wraps a directional handle onto a bounded channel so that a
// stage holds only the send or receive half of a topology edge, never the
// raw channel (see DESIGN.md — "cyclic ownership").
type Endpoint struct {
	ch <-chan Message
	tx chan<- Message
}

// NewChannel builds a connected inbound/outbound endpoint pair over a
// buffered channel of the given capacity.
func NewChannel(capacity int) (outbound Endpoint, inbound Endpoint) {
	ch := make(chan Message, capacity)
	return Endpoint{tx: ch}, Endpoint{ch: ch}
}

// Send delivers m on the outbound half of the endpoint. It blocks
// (cooperatively suspending the goroutine) when the channel is full, and
// returns ctx.Err() if ctx is cancelled first.
func (e Endpoint) Send(ctx context.Context, m Message) error {
	select {
	case e.tx <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the outbound half, signalling end-of-stream to every
// consumer of the paired inbound endpoint.
func (e Endpoint) Close() {
	if e.tx != nil {
		close(e.tx)
	}
}

// Receive reads the next message from the inbound half. ok is false when
// the channel has been closed and drained (ChannelClosed), or when ctx is
// cancelled.
func (e Endpoint) Receive(ctx context.Context) (m Message, ok bool) {
	select {
	case m, ok = <-e.ch:
		return m, ok
	case <-ctx.Done():
		return Message{}, false
	}
}
