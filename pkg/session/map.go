package session

import "sync"

// recordMap is the locked table behind the Store. Every access path,
// including the reaper and the administrative surface, goes through these
// methods.
type recordMap struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

func newRecordMap() *recordMap {
	return &recordMap{records: make(map[Key]*Record)}
}

func (m *recordMap) get(key Key) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *recordMap) insert(key Key, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
}

func (m *recordMap) remove(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return false
	}
	delete(m.records, key)
	return true
}

func (m *recordMap) keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.records))
	for key := range m.records {
		keys = append(keys, key)
	}
	return keys
}

func (m *recordMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
