package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used between the relay and the agents behind it.
const (
	RequestsSubject      = "hades.inject.requests"
	reportsSubjectPrefix = "hades.inject.reports."
	controlSubjectPrefix = "hades.inject.control."
)

const maxTaskIDLen = 128

// ValidTaskID reports whether id may be embedded in a subject: 1 to 128
// letters, digits, '-' or '_'. Anything else could be a subject token
// separator or wildcard.
func ValidTaskID(id string) bool {
	if id == "" || len(id) > maxTaskIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// ReportsSubject carries transcript frames for one task. Callers check
// ValidTaskID first.
func ReportsSubject(taskID string) string { return reportsSubjectPrefix + taskID }

// ControlSubject carries channel control messages (close requests) for one task.
func ControlSubject(taskID string) string { return controlSubjectPrefix + taskID }

// Handler receives one published message. It must not block.
type Handler func(data []byte)

// Broker is the pub/sub seam between HTTP ingest and channel fan-out.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (unsubscribe func(), err error)
	Close() error
}

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker delivers in process, synchronously, in publish order.
type MemoryBroker struct {
	mu     sync.RWMutex
	next   int
	subs   map[string]map[int]Handler
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]Handler)}
}

func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemoryBroker) Subscribe(subject string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	id := b.next
	b.next++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	b.subs[subject][id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[subject], id)
			if len(b.subs[subject]) == 0 {
				delete(b.subs, subject)
			}
			b.mu.Unlock()
		})
	}, nil
}

// Subscribers reports how many handlers listen on subject.
func (b *MemoryBroker) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	b.mu.Unlock()
	return nil
}

// NATSBroker relays through a NATS server so that agents in other processes
// can publish reports and consume requests.
type NATSBroker struct {
	nc *nats.Conn
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url string) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("hades-relay"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBroker{nc: nc}, nil
}

func NewNATSBroker(nc *nats.Conn) *NATSBroker {
	return &NATSBroker{nc: nc}
}

// Publish publishes a message to a subject.
// NATS Publish does not take a context, so it is checked first.
func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(subject string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBroker) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
