package shared

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// TCPState is a normalized TCP socket state. Both the ss spelling
// ("ESTAB", "CLOSE-WAIT") and the procfs spelling ("ESTABLISHED",
// "CLOSE_WAIT") map onto the same value.
type TCPState string

const (
	StateUnknown     TCPState = "UNKNOWN"
	StateEstablished TCPState = "ESTABLISHED"
	StateSynSent     TCPState = "SYN-SENT"
	StateSynRecv     TCPState = "SYN-RECV"
	StateFinWait1    TCPState = "FIN-WAIT-1"
	StateFinWait2    TCPState = "FIN-WAIT-2"
	StateTimeWait    TCPState = "TIME-WAIT"
	StateClosed      TCPState = "CLOSED"
	StateCloseWait   TCPState = "CLOSE-WAIT"
	StateLastAck     TCPState = "LAST-ACK"
	StateListen      TCPState = "LISTEN"
	StateClosing     TCPState = "CLOSING"
)

// ParseTCPState maps a state name from ss, /proc/net/tcp or gopsutil onto
// a TCPState. Unrecognized names return StateUnknown.
func ParseTCPState(s string) TCPState {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")

	switch norm {
	case "ESTAB", "ESTABLISHED":
		return StateEstablished
	case "SYN-SENT":
		return StateSynSent
	case "SYN-RECV", "SYN-RECEIVED":
		return StateSynRecv
	case "FIN-WAIT-1", "FIN-WAIT1":
		return StateFinWait1
	case "FIN-WAIT-2", "FIN-WAIT2":
		return StateFinWait2
	case "TIME-WAIT":
		return StateTimeWait
	case "CLOSED", "UNCONN", "CLOSE":
		return StateClosed
	case "CLOSE-WAIT":
		return StateCloseWait
	case "LAST-ACK":
		return StateLastAck
	case "LISTEN", "LISTENING":
		return StateListen
	case "CLOSING":
		return StateClosing
	default:
		return StateUnknown
	}
}

// IsClosed reports whether the socket has left the established phase
// through a close by either side.
func (s TCPState) IsClosed() bool {
	switch s {
	case StateCloseWait, StateLastAck, StateClosing, StateTimeWait,
		StateFinWait1, StateFinWait2, StateClosed:
		return true
	}
	return false
}

// ConnKey is the identity of a connection. The state of a connection may
// change between polls, its key never does.
type ConnKey struct {
	RemoteAddr netip.Addr
	RemotePort uint16
	LocalAddr  netip.Addr
	LocalPort  uint16
}

func (k ConnKey) Remote() netip.AddrPort {
	return netip.AddrPortFrom(k.RemoteAddr, k.RemotePort)
}

func (k ConnKey) Local() netip.AddrPort {
	return netip.AddrPortFrom(k.LocalAddr, k.LocalPort)
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s->%s", k.Local(), k.Remote())
}

// Less orders keys by remote endpoint first, then local endpoint.
func (k ConnKey) Less(o ConnKey) bool {
	if c := k.RemoteAddr.Compare(o.RemoteAddr); c != 0 {
		return c < 0
	}
	if k.RemotePort != o.RemotePort {
		return k.RemotePort < o.RemotePort
	}
	if c := k.LocalAddr.Compare(o.LocalAddr); c != 0 {
		return c < 0
	}
	return k.LocalPort < o.LocalPort
}

// Connection is one row of the host TCP table.
type Connection struct {
	RemoteAddr netip.Addr
	RemotePort uint16
	LocalAddr  netip.Addr
	LocalPort  uint16
	State      TCPState
}

func (c Connection) Key() ConnKey {
	return ConnKey{
		RemoteAddr: c.RemoteAddr,
		RemotePort: c.RemotePort,
		LocalAddr:  c.LocalAddr,
		LocalPort:  c.LocalPort,
	}
}

// ClosedEvent reports a connection that was open at the previous poll and
// is closed or gone at the current one.
type ClosedEvent struct {
	Conn       ConnKey
	State      TCPState // StateClosed when the connection vanished
	Vanished   bool
	ObservedAt time.Time
}
