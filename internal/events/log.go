package events

import (
	"context"
	"log/slog"
	"sync"
)

// LogPublisher writes events to a logger. It is the default bus when no
// broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs each event at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		slog.String("topic", event.Topic),
		slog.String("task_id", event.TaskID),
		slog.String("body", string(body)),
	)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

// Message is an encoded event captured by MemoryPublisher.
type Message struct {
	Topic string
	Body  []byte
}

// MemoryPublisher records events in memory.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher creates an empty recorder.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = append(p.messages, Message{Topic: event.Topic, Body: body})
	p.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topics returns the topic of every published message in order.
func (p *MemoryPublisher) Topics() []string {
	msgs := p.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Topic)
	}
	return out
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error { return nil }
