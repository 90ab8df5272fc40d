package callback

import (
	"context"
	"sync"
)

type InMemRepo struct {
	lock    sync.Mutex
	records map[string]Record
}

func NewInMemRepo() *InMemRepo {
	return &InMemRepo{
		records: make(map[string]Record),
	}
}

func (m *InMemRepo) Create(_ context.Context, rec Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.records[rec.SubmissionID]; ok {
		return ErrAlreadyRegistered()
	}
	m.records[rec.SubmissionID] = rec
	return nil
}

func (m *InMemRepo) Get(_ context.Context, id string) (Record, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrSubmissionNotFound()
	}
	return rec, nil
}

func (m *InMemRepo) Update(_ context.Context, rec Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	old, ok := m.records[rec.SubmissionID]
	if !ok {
		return ErrSubmissionNotFound()
	}
	if old.Version != rec.Version-1 {
		return ErrVersionConflict
	}
	m.records[rec.SubmissionID] = rec
	return nil
}
