package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by a MemoryBroker after Close.
var ErrClosed = errors.New("broker closed")

// MemoryBroker delivers messages in-process. Every subscriber of a channel
// receives each message published after it subscribed. It backs
// MQ_BACKEND=memory and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Message
	nextID int
	closed bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]chan Message)}
}

// Publish fans the message out to current subscribers.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	targets := make([]chan Message, 0, len(b.subs[channel]))
	for _, ch := range b.subs[channel] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	msg := Message{ID: uuid.NewString(), Data: append([]byte(nil), data...), Attributes: copyAttributes(attrs)}
	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return msg.ID, nil
}

// Subscribe blocks, invoking handler for each message until ctx is done.
// Handler errors are dropped; there is no redelivery.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}

	ch := make(chan Message, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan Message)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

// Subscribers reports how many subscribers are attached to channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close rejects further publishes and subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func copyAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
