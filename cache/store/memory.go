package store

import (
	"fmt"
	"sync"
)

// Memory is an in-RAM tier backend: one payload slice per slot. It
// stands in for both device-adjacent and host memory tiers; the cache
// engine treats payload bytes as opaque either way. Safe for
// concurrent use; distinct slots never contend beyond the one mutex,
// and reads return copies so callers can retain them across writes.
type Memory struct {
	mu         sync.RWMutex
	slots      [][]byte
	blockBytes int // fixed payload size, 0 = caller-sized
}

// NewMemory creates a memory backend with numBlocks slots. When
// blockBytes > 0 the slab is preallocated so steady-state writes do
// not allocate.
func NewMemory(numBlocks, blockBytes int) *Memory {
	m := &Memory{
		slots:      make([][]byte, numBlocks),
		blockBytes: blockBytes,
	}
	if blockBytes > 0 {
		slab := make([]byte, numBlocks*blockBytes)
		for i := range m.slots {
			m.slots[i] = slab[i*blockBytes : (i+1)*blockBytes : (i+1)*blockBytes]
		}
	}
	return m
}

// WriteBlock stores data at slot, replacing previous content.
func (m *Memory) WriteBlock(slot int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.slots) {
		return fmt.Errorf("memory backend: slot %d out of range [0,%d)", slot, len(m.slots))
	}
	if m.blockBytes > 0 {
		if len(data) != m.blockBytes {
			return fmt.Errorf("memory backend: payload is %d bytes, slot size is %d", len(data), m.blockBytes)
		}
		copy(m.slots[slot], data)
		return nil
	}
	m.slots[slot] = append([]byte(nil), data...)
	return nil
}

// ReadBlock returns a copy of the content at slot.
func (m *Memory) ReadBlock(slot int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if slot < 0 || slot >= len(m.slots) {
		return nil, fmt.Errorf("memory backend: slot %d out of range [0,%d)", slot, len(m.slots))
	}
	if m.slots[slot] == nil {
		return nil, fmt.Errorf("memory backend: slot %d is empty", slot)
	}
	return append([]byte(nil), m.slots[slot]...), nil
}

// FreeBlock drops the content at slot. With a preallocated slab the
// bytes stay owned by the slab; variable-size slots release their
// allocation.
func (m *Memory) FreeBlock(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.slots) {
		return fmt.Errorf("memory backend: slot %d out of range [0,%d)", slot, len(m.slots))
	}
	if m.blockBytes == 0 {
		m.slots[slot] = nil
	}
	return nil
}

// Close releases the backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = nil
	return nil
}
