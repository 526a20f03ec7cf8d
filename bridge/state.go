package bridge

import (
	"sync"
	"time"
)

// PathStatus is a point-in-time view of one forwarder
type PathStatus struct {
	Running         bool      `json:"running"`
	BrokerConnected bool      `json:"broker_connected"`
	LastError       string    `json:"last_error,omitempty"`
	Since           time.Time `json:"since"`
}

// State records forwarder liveness for health checks and mirrors it into
// metrics. A nil *State is valid and records nothing.
type State struct {
	mu      sync.RWMutex
	paths   map[Path]*PathStatus
	metrics *Metrics
}

// NewState creates an empty state tracker
func NewState(metrics *Metrics) *State {
	return &State{
		paths:   make(map[Path]*PathStatus),
		metrics: metrics,
	}
}

// Status returns the current status of path
func (s *State) Status(path Path) PathStatus {
	if s == nil {
		return PathStatus{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.paths[path]; ok {
		return *st
	}
	return PathStatus{}
}

func (s *State) entry(path Path) *PathStatus {
	st, ok := s.paths[path]
	if !ok {
		st = &PathStatus{}
		s.paths[path] = st
	}
	return st
}

func (s *State) setRunning(path Path, running bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	st := s.entry(path)
	if st.Running != running {
		st.Since = time.Now()
	}
	st.Running = running
	s.mu.Unlock()
	s.metrics.setForwarderUp(path, running)
}

func (s *State) setBrokerConnected(path Path, connected bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.entry(path).BrokerConnected = connected
	s.mu.Unlock()
	s.metrics.setBrokerConnected(path, connected)
}

func (s *State) recordError(path Path, err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	s.entry(path).LastError = err.Error()
	s.mu.Unlock()
}

// brokerListener adapts State to rabbitmq.ConnectionStateListener for one path
type brokerListener struct {
	state *State
	path  Path
}

func (l brokerListener) OnConnected() {
	l.state.setBrokerConnected(l.path, true)
}

func (l brokerListener) OnDisconnected(err error) {
	l.state.setBrokerConnected(l.path, false)
	l.state.recordError(l.path, err)
}

func (s *State) recordRestart(path Path) {
	if s == nil {
		return
	}
	s.metrics.observeRestart(path)
}
