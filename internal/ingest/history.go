package ingest

import (
	"sync"
	"time"

	"github.com/smukkama/fieldmesh/internal/model"
)

// HistoryCapacity is the number of readings retained per device
const HistoryCapacity = 100

// readingBuffer keeps the most recent readings for one device in arrival order
type readingBuffer struct {
	mu       sync.RWMutex
	buffer   []model.SensorReading
	capacity int
}

func newReadingBuffer(capacity int) *readingBuffer {
	return &readingBuffer{
		buffer:   make([]model.SensorReading, 0, capacity),
		capacity: capacity,
	}
}

// add appends the reading, evicting the oldest entries beyond capacity
func (b *readingBuffer) add(r model.SensorReading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.capacity {
		// shift in place so the backing array does not grow
		drop := len(b.buffer) - b.capacity + 1
		copy(b.buffer, b.buffer[drop:])
		b.buffer = b.buffer[:len(b.buffer)-drop]
	}
	b.buffer = append(b.buffer, r)
}

// since returns a copy of the readings with timestamps after cutoff
func (b *readingBuffer) since(cutoff time.Time) []model.SensorReading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.SensorReading, 0, len(b.buffer))
	for _, r := range b.buffer {
		if r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (b *readingBuffer) all() []model.SensorReading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.SensorReading, len(b.buffer))
	copy(out, b.buffer)
	return out
}

func (b *readingBuffer) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffer)
}

// historyStore owns every device's buffer
type historyStore struct {
	mu       sync.RWMutex
	devices  map[string]*readingBuffer
	capacity int
}

func newHistoryStore(capacity int) *historyStore {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &historyStore{
		devices:  make(map[string]*readingBuffer),
		capacity: capacity,
	}
}

func (h *historyStore) buffer(deviceID string, create bool) *readingBuffer {
	h.mu.RLock()
	b, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if ok || !create {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok = h.devices[deviceID]; ok {
		return b
	}
	b = newReadingBuffer(h.capacity)
	h.devices[deviceID] = b
	return b
}

func (h *historyStore) add(r model.SensorReading) {
	h.buffer(r.DeviceID, true).add(r)
}
