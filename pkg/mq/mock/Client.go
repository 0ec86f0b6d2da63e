// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/proximity-engine/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, routingKey string, data []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall

	// UnsafePublishError is returned by UnsafePublish.
	UnsafePublishError error
	// UnsafePublishCalls tracks all calls to UnsafePublish with their arguments.
	UnsafePublishCalls []PublishCall

	// ConsumeChannel is returned by Consume.
	ConsumeChannel chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx        context.Context
	RoutingKey string
	Data       []byte
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		PublishCalls:       make([]PublishCall, 0),
		UnsafePublishCalls: make([]PublishCall, 0),
		ConsumeChannel:     make(chan amqp.Delivery, 16),
	}
}

// Publish implements ClientInterface. PublishFunc runs outside the mock's lock
// so it may call back into the code under test.
func (m *MockClient) Publish(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{Ctx: ctx, RoutingKey: routingKey, Data: data})
	fn := m.PublishFunc
	err := m.PublishError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, routingKey, data)
	}
	return err
}

// UnsafePublish implements ClientInterface.
func (m *MockClient) UnsafePublish(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePublishCalls = append(m.UnsafePublishCalls, PublishCall{Ctx: ctx, RoutingKey: routingKey, Data: data})
	return m.UnsafePublishError
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.ConsumeChannel, nil
}

// WaitReady implements ClientInterface.
func (m *MockClient) WaitReady(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WaitReadyError
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Published returns a copy of the recorded Publish calls.
func (m *MockClient) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishCall, len(m.PublishCalls))
	copy(out, m.PublishCalls)
	return out
}

// Reset clears all tracked calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = make([]PublishCall, 0)
	m.UnsafePublishCalls = make([]PublishCall, 0)
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
