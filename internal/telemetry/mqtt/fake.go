package mqtt

import "sync"

// FakePublisher records published messages for tests.
type FakePublisher struct {
	mu           sync.Mutex
	Messages     []FakeMessage
	PublishError error
	Closed       bool
	Connected    bool
}

type FakeMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

func (f *FakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, FakeMessage{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *FakePublisher) Sent() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeMessage(nil), f.Messages...)
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}
