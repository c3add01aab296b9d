package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	t.Run("with handler", func(t *testing.T) {
		handler := func(msg *ReceivedMessage) {}
		m, err := NewManager(ManagerConfig{
			Port:           0,
			MessageHandler: handler,
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		defer m.Stop()

		if m.udp == nil {
			t.Error("NewManager() UDP is nil")
		}
	})

	t.Run("without handler", func(t *testing.T) {
		_, err := NewManager(ManagerConfig{
			Port: 0,
		})
		if err != ErrNoHandler {
			t.Errorf("NewManager() error = %v, want %v", err, ErrNoHandler)
		}
	})
}

func TestManagerStartStop(t *testing.T) {
	handler := func(msg *ReceivedMessage) {}
	m, err := NewManager(ManagerConfig{
		Port:           0,
		MessageHandler: handler,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Start(); err != nil {
		t.Errorf("Start() error = %v", err)
	}

	if err := m.Start(); err != ErrAlreadyStarted {
		t.Errorf("Start() second call error = %v, want %v", err, ErrAlreadyStarted)
	}

	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if err := m.Stop(); err != ErrClosed {
		t.Errorf("Stop() second call error = %v, want %v", err, ErrClosed)
	}
}

func TestManagerSendUDP(t *testing.T) {
	received := make(chan *ReceivedMessage, 1)

	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() server error = %v", err)
	}

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() client error = %v", err)
	}

	server, err := NewManager(ManagerConfig{
		UDPConn:        serverConn,
		MessageHandler: func(msg *ReceivedMessage) { received <- msg },
	})
	if err != nil {
		t.Fatalf("NewManager() server error = %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start() server error = %v", err)
	}
	defer server.Stop()

	client, err := NewManager(ManagerConfig{
		UDPConn:        clientConn,
		MessageHandler: func(msg *ReceivedMessage) {},
	})
	if err != nil {
		t.Fatalf("NewManager() client error = %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start() client error = %v", err)
	}
	defer client.Stop()

	testData := []byte("hello via manager UDP")
	peer := NewUDPPeerAddress(server.UDP().LocalAddr())
	if err := client.Send(testData, peer); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if !bytes.Equal(msg.Data, testData) {
			t.Errorf("received = %s, want %s", msg.Data, testData)
		}
		if msg.PeerAddr.TransportType != TransportTypeUDP {
			t.Errorf("TransportType = %v, want UDP", msg.PeerAddr.TransportType)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestManagerSendErrors(t *testing.T) {
	t.Run("invalid peer address", func(t *testing.T) {
		m, err := NewManager(ManagerConfig{
			Port:           0,
			MessageHandler: func(msg *ReceivedMessage) {},
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		defer m.Stop()

		err = m.Send([]byte{0x01}, PeerAddress{})
		if err != ErrInvalidAddress {
			t.Errorf("Send() error = %v, want %v", err, ErrInvalidAddress)
		}
	})

	t.Run("send after close", func(t *testing.T) {
		m, err := NewManager(ManagerConfig{
			Port:           0,
			MessageHandler: func(msg *ReceivedMessage) {},
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		m.Stop()

		addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:500")
		err = m.Send([]byte{0x01}, NewUDPPeerAddress(addr))
		if err != ErrClosed {
			t.Errorf("Send() error = %v, want %v", err, ErrClosed)
		}
	})
}

func TestManagerLocalAddresses(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Port:           0,
		MessageHandler: func(msg *ReceivedMessage) {},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Stop()

	addrs := m.LocalAddresses()
	if len(addrs) != 1 {
		t.Errorf("LocalAddresses() count = %d, want 1", len(addrs))
	}
	if _, ok := addrs[0].(*net.UDPAddr); !ok {
		t.Errorf("LocalAddresses()[0] type = %T, want *net.UDPAddr", addrs[0])
	}
}

func TestManagerAccessors(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Port:           0,
		MessageHandler: func(msg *ReceivedMessage) {},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Stop()

	if m.UDP() == nil {
		t.Error("UDP() = nil")
	}
}
