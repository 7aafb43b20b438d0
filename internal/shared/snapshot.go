package shared

import "time"

// Snapshot is the TCP table as observed at one poll instant, keyed by
// connection identity.
type Snapshot struct {
	Timestamp   time.Time
	Connections map[ConnKey]TCPState
}

func NewSnapshot(ts time.Time, size int) *Snapshot {
	return &Snapshot{
		Timestamp:   ts,
		Connections: make(map[ConnKey]TCPState, size),
	}
}

// Merge records conns into the snapshot. When an identity is already
// present, an open state wins over a closed one so a connection seen open
// in any burst sample counts as open.
func (s *Snapshot) Merge(conns []Connection) {
	for _, c := range conns {
		key := c.Key()
		existing, ok := s.Connections[key]
		if !ok {
			s.Connections[key] = c.State
			continue
		}
		if existing.IsClosed() && !c.State.IsClosed() {
			s.Connections[key] = c.State
		}
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Connections)
}

