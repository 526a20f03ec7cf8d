package modem

import "sync/atomic"

// Stats counts traffic since the simulator started. The zero value is ready
// to use and safe for concurrent use.
type Stats struct {
	downlink atomic.Uint64
	uplink   atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Downlink uint64 `json:"downlink"`
	Uplink   uint64 `json:"uplink"`
}

// Snapshot reads both counters
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Downlink: s.downlink.Load(),
		Uplink:   s.uplink.Load(),
	}
}

func (s *Stats) addDownlink() {
	s.downlink.Add(1)
}

func (s *Stats) addUplink() {
	s.uplink.Add(1)
}
