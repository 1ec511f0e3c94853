package broker

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Address != "tcp://mqtt:18830" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.ClientID != "nvapriltags" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.KeepAlive != 20*time.Second {
		t.Errorf("KeepAlive = %v, want 20s", cfg.KeepAlive)
	}
	if !cfg.CleanSession {
		t.Error("CleanSession should be true")
	}
	if cfg.QoS != 0 {
		t.Errorf("QoS = %d, want 0", cfg.QoS)
	}
}

func TestMQTTPublisher_PublishBeforeConnect(t *testing.T) {
	p := NewMQTTPublisher(DefaultConfig(), nil)

	if err := p.Publish(DefaultTopic, []byte("[]\x00")); err != ErrNotConnected {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}

	// Disconnect without a connection must not panic
	p.Disconnect()
}

func TestMQTTPublisher_ConnectRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	cfg := DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:1"

	p := NewMQTTPublisher(cfg, nil)
	if err := p.Connect(); err == nil {
		p.Disconnect()
		t.Fatal("Connect() to a closed port should fail")
	}
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()

	if err := m.Publish("t", []byte("x")); err != ErrNotConnected {
		t.Errorf("Publish() before Connect error = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	payload := []byte("a")
	if err := m.Publish("t", payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	payload[0] = 'b'

	msgs := m.Messages()
	if len(msgs) != 1 || string(msgs[0].Payload) != "a" {
		t.Errorf("Messages() = %v, want one copy of payload a", msgs)
	}

	want := errors.New("broker gone")
	m.SetPublishError(want)
	if err := m.Publish("t", payload); err != want {
		t.Errorf("Publish() error = %v, want %v", err, want)
	}

	m.Disconnect()
	if !m.Disconnected() {
		t.Error("Disconnected() should be true after Disconnect()")
	}
}
