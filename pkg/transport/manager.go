package transport

import (
	"fmt"
	"net"
	"sync"
)

// Manager coordinates the UDP transport for IKEv2 messaging, providing a
// unified interface for sending and receiving datagrams.
type Manager struct {
	udp     *UDP
	handler MessageHandler

	mu      sync.RWMutex
	started bool
	closed  bool
}

// ManagerConfig configures the transport manager.
type ManagerConfig struct {
	// Port is the port to listen on (default: 500, the IKEv2 port).
	Port int

	// MessageHandler is called for each received message.
	// Required.
	MessageHandler MessageHandler

	// UDPConn is an optional pre-existing UDP connection for testing.
	UDPConn net.PacketConn
}

// NewManager creates a new transport manager with the given configuration.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	if config.Port == 0 {
		config.Port = DefaultPort
	}

	m := &Manager{
		handler: config.MessageHandler,
	}

	listenAddr := fmt.Sprintf(":%d", config.Port)

	udp, err := NewUDP(UDPConfig{
		Conn:           config.UDPConn,
		ListenAddr:     listenAddr,
		MessageHandler: config.MessageHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("creating UDP transport: %w", err)
	}
	m.udp = udp

	return m, nil
}

// Start begins listening for messages.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	if err := m.udp.Start(); err != nil {
		return fmt.Errorf("starting UDP transport: %w", err)
	}
	return nil
}

// Stop closes the transport.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.udp.Stop(); err != nil && err != ErrClosed {
		return fmt.Errorf("stopping UDP: %w", err)
	}
	return nil
}

// Send sends a message to the specified peer address.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	if !peer.IsValid() {
		return ErrInvalidAddress
	}
	if peer.TransportType != TransportTypeUDP {
		return ErrInvalidAddress
	}
	return m.udp.Send(data, peer.Addr)
}

// LocalAddresses returns all local addresses the manager is listening on.
func (m *Manager) LocalAddresses() []net.Addr {
	return []net.Addr{m.udp.LocalAddr()}
}

// UDP returns the UDP transport.
func (m *Manager) UDP() *UDP {
	return m.udp
}
