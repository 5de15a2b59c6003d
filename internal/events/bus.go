// Package events provides the in-process publish/subscribe bus decoupling
// engine components from each other and from the control surface.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	TypeOrderUpdate    Type = "order_update"
	TypeFill           Type = "fill"
	TypeCircuit        Type = "circuit"
	TypeBalanceWarning Type = "balance_warning"
	TypeAssetSwitch    Type = "asset_switch"
	TypeRotation       Type = "rotation"
	TypeEngineState    Type = "engine_state"
)

// Event is a state-change notification published by a component.
// Payload holds the component-specific record (order, rotation, transition).
type Event struct {
	Type      Type      `json:"type"`
	Pair      string    `json:"pair,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// CommandType identifies an inbound control command.
type CommandType string

const (
	CommandStart       CommandType = "start"
	CommandStop        CommandType = "stop"
	CommandPause       CommandType = "pause"
	CommandResume      CommandType = "resume"
	CommandSelectAsset CommandType = "select_asset"
)

// Command is a control instruction flowing inward through the bus.
type Command struct {
	Type CommandType
	Pair string
}

// Bus fans out events to all subscribers via buffered channels and carries
// control commands inward through a single inbox drained by the engine.
// Slow subscribers are dropped rather than blocking publishers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[chan Event]struct{}
	buffer   int
	commands chan Command
	now      func() time.Time
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{
		subs:     make(map[chan Event]struct{}),
		buffer:   buffer,
		commands: make(chan Command, 16),
		now:      time.Now,
	}
}

// Publish sends the event to all subscribers, dropping if a reader is slow.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Send enqueues a control command. Returns false if the inbox is full.
func (b *Bus) Send(cmd Command) bool {
	select {
	case b.commands <- cmd:
		return true
	default:
		return false
	}
}

// Commands exposes the command inbox for the engine to drain.
func (b *Bus) Commands() <-chan Command {
	return b.commands
}
