// Package memory holds completion events in process, encoded the same way
// the Pub/Sub publisher puts them on the wire.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
	// Data is the JSON encoding of Payload.
	Data []byte
}

// Publisher records every publish for inspection by tests and the dev server.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload and stores it. Payloads that cannot be encoded are
// rejected, as they would be by Pub/Sub.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events decodes every message published to topic as a completion event.
func (p *Publisher) Events(topic string) ([]primer.CompletionEvent, error) {
	var out []primer.CompletionEvent
	for _, msg := range p.Messages() {
		if msg.Topic != topic {
			continue
		}
		var evt primer.CompletionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
