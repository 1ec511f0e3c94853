package broker

import "sync"

// Message is one payload captured by MockPublisher.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records published messages for tests.
type MockPublisher struct {
	mu           sync.Mutex
	messages     []Message
	connectErr   error
	publishErr   error
	connected    bool
	disconnected bool
	// OnConnect, when set, is called at the start of Connect.
	OnConnect func()
}

// NewMockPublisher creates a MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetConnectError makes Connect fail with err.
func (m *MockPublisher) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetPublishError makes Publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockPublisher) Connect() error {
	if m.OnConnect != nil {
		m.OnConnect()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockPublisher) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, Message{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (m *MockPublisher) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnected = true
}

// Messages returns a copy of everything published so far.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Disconnected reports whether Disconnect was called.
func (m *MockPublisher) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}
