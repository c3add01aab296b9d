package transport

import "net"

// TaskManagerSender adapts a Manager to the narrow Sender interface
// pkg/taskmanager consumes (Send(peer net.Addr, packet []byte) error),
// since the manager's own Send signature takes a PeerAddress rather than a
// bare net.Addr.
type TaskManagerSender struct {
	Manager *Manager
}

// Send implements taskmanager.Sender.
func (s TaskManagerSender) Send(peer net.Addr, packet []byte) error {
	return s.Manager.Send(packet, NewUDPPeerAddress(peer))
}
