package offline

import "sync"

// MemoryStore keeps queues for the lifetime of the process
type MemoryStore struct {
	queues map[string][]Entry
	mutex  sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string][]Entry)}
}

func (m *MemoryStore) Append(entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queues[entry.UserID] = append(m.queues[entry.UserID], entry)
	return nil
}

func (m *MemoryStore) Drain(userID string) ([]Entry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := m.queues[userID]
	delete(m.queues, userID)
	return entries, nil
}

func (m *MemoryStore) Len(userID string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.queues[userID]), nil
}

func (m *MemoryStore) Total() (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total, nil
}

func (m *MemoryStore) Close() error { return nil }
