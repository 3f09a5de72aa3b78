package sco

import (
	"fmt"
	"strings"
)

// ClientInfo describes one registered client.
type ClientInfo struct {
	Handle         ClientHandle `json:"handle" yaml:"handle"`
	PID            int          `json:"pid" yaml:"pid"`
	PendingRemoval bool         `json:"pending_removal,omitempty" yaml:"pending_removal,omitempty"`
}

// Snapshot is a consistent copy of the arbiter state.
type Snapshot struct {
	State        AudioState      `json:"state" yaml:"state"`
	Mode         Mode            `json:"mode" yaml:"mode"`
	Device       *Device         `json:"device,omitempty" yaml:"device,omitempty"`
	ProxyBound   bool            `json:"proxy_bound" yaml:"proxy_bound"`
	LastNotified ConnectionState `json:"last_notified" yaml:"last_notified"`
	Clients      []ClientInfo    `json:"clients" yaml:"clients"`
}

// Handles returns the client handles in registration order.
func (s Snapshot) Handles() []ClientHandle {
	out := make([]ClientHandle, 0, len(s.Clients))
	for _, c := range s.Clients {
		out = append(out, c.Handle)
	}
	return out
}

func (s Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SCO state: %s\n", s.State)
	fmt.Fprintf(&sb, "  mode: %s\n", s.Mode)
	fmt.Fprintf(&sb, "  device: %s\n", s.Device)
	fmt.Fprintf(&sb, "  proxy bound: %t\n", s.ProxyBound)
	fmt.Fprintf(&sb, "  last notified: %s\n", s.LastNotified)
	fmt.Fprintf(&sb, "  clients: %d\n", len(s.Clients))
	for _, c := range s.Clients {
		fmt.Fprintf(&sb, "    %s pid=%d", c.Handle, c.PID)
		if c.PendingRemoval {
			sb.WriteString(" (stopping)")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Dump returns a snapshot taken under the arbiter lock.
func (a *Arbiter) Dump() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		State:        a.state,
		Mode:         a.mode,
		Device:       copyDevice(a.device),
		ProxyBound:   a.proxy != nil,
		LastNotified: a.lastNotified,
		Clients:      make([]ClientInfo, 0, a.clients.len()),
	}
	for _, c := range a.clients.list(nil) {
		s.Clients = append(s.Clients, ClientInfo{Handle: c.handle, PID: c.pid, PendingRemoval: c.pendingRemoval})
	}
	return s
}
