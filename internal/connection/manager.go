package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Session is one identified gateway connection
type Session struct {
	ConnectionID  string
	DeviceID      string
	FarmID        string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Readings      uint64
	Conn          net.Conn
	mu            sync.RWMutex
}

// Touch records activity, counting a reading when reading is true
func (s *Session) Touch(reading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeardFrom = time.Now()
	if reading {
		s.Readings++
	}
}

// GetLastHeardFrom returns the last activity timestamp
func (s *Session) GetLastHeardFrom() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastHeardFrom
}

// ReadingCount returns the number of readings received on the session
func (s *Session) ReadingCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Readings
}

// Manager tracks gateway sessions. A device holds at most one session.
type Manager struct {
	sessions map[string]*Session // key: connection id
	byDevice map[string]string   // key: device id, value: connection id
	byFarm   map[string]int      // key: farm id, value: session count
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new session manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byDevice: make(map[string]string),
		byFarm:   make(map[string]int),
		maxConns: maxConnections,
	}
}

// Register adds a session. If the device already had a session, that
// session is detached and returned so the caller can close it.
func (m *Manager) Register(connectionID, deviceID, farmID string, conn net.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	var displaced *Session
	if prev, ok := m.byDevice[deviceID]; ok {
		displaced = m.sessions[prev]
		m.removeLocked(prev)
	}

	if len(m.sessions) >= m.maxConns {
		return displaced, ErrMaxConnectionsReached
	}

	now := time.Now()
	m.sessions[connectionID] = &Session{
		ConnectionID:  connectionID,
		DeviceID:      deviceID,
		FarmID:        farmID,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	m.byDevice[deviceID] = connectionID
	m.byFarm[farmID]++

	return displaced, nil
}

// Unregister removes a session
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(connectionID) {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}
	return nil
}

func (m *Manager) removeLocked(connectionID string) bool {
	s, exists := m.sessions[connectionID]
	if !exists {
		return false
	}

	if m.byDevice[s.DeviceID] == connectionID {
		delete(m.byDevice, s.DeviceID)
	}
	if m.byFarm[s.FarmID]--; m.byFarm[s.FarmID] <= 0 {
		delete(m.byFarm, s.FarmID)
	}
	delete(m.sessions, connectionID)
	return true
}

// Get retrieves a session by connection ID
func (m *Manager) Get(connectionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[connectionID]
	return s, exists
}

// ForDevice returns the live session of a device
func (m *Manager) ForDevice(deviceID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// UpdateActivity records activity on a session
func (m *Manager) UpdateActivity(connectionID string, reading bool) error {
	m.mu.RLock()
	s, exists := m.sessions[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	s.Touch(reading)
	return nil
}

// GetInactiveConnections returns sessions not heard from within timeout
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for id, s := range m.sessions {
		if now.Sub(s.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns statistics about the session manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.sessions),
		ConnectedDevices: len(m.byDevice),
		Farms:            len(m.byFarm),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the session manager
type ManagerStats struct {
	TotalConnections int
	ConnectedDevices int
	Farms            int
	MaxConnections   int
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
