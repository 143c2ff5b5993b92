package store

import (
	"context"
	"sync"
)

// Memory is a Database that lives in process memory.
// It is used for tests and short-lived processes.
type Memory struct {
	mutex  *sync.RWMutex
	opened bool
	nextID int64
	db     map[string]Entry
}

var _ Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

// Exists reports whether Requests has been called.
func (m *Memory) Exists(ctx context.Context) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.opened, nil
}

func (m *Memory) Requests(ctx context.Context) (Table, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.opened = true
	return memoryTable{m}, nil
}

func (m *Memory) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

type memoryTable struct {
	m *Memory
}

func (t memoryTable) Get(ctx context.Context, key string) (Entry, bool, error) {
	t.m.mutex.RLock()
	defer t.m.mutex.RUnlock()
	e, ok := t.m.db[key]
	return e, ok, nil
}

func (t memoryTable) Add(ctx context.Context, e Entry) (int64, error) {
	t.m.mutex.Lock()
	defer t.m.mutex.Unlock()
	t.m.nextID++
	e.ID = t.m.nextID
	// keep our own copy of the payload
	e.Res = append([]byte(nil), e.Res...)
	t.m.db[e.Key] = e
	return e.ID, nil
}

func (t memoryTable) Delete(ctx context.Context, id int64) error {
	t.m.mutex.Lock()
	defer t.m.mutex.Unlock()
	for key, e := range t.m.db {
		if e.ID == id {
			delete(t.m.db, key)
			return nil
		}
	}
	return nil
}
