package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

// MemoryStore is a process-local Store used when no DATABASE_URL is set.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*models.Submission
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*models.Submission),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) RecordSubmission(_ context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.JobID]; ok {
		return ErrDuplicateKey
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = models.JobStatusPending
	}
	now := s.now()
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = now
	}
	sub.UpdatedAt = now

	cp := *sub
	s.subs[sub.JobID] = &cp
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, jobID string) (*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListSubmissions(_ context.Context, limit int) ([]*models.Submission, error) {
	s.mu.RLock()
	subs := make([]*models.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		cp := *sub
		subs = append(subs, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.After(subs[j].SubmittedAt)
		}
		return subs[i].ID.String() < subs[j].ID.String()
	})
	if limit = clampLimit(limit); len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, jobID string, status string, opts ...UpdateOption) error {
	params := &updateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[jobID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(sub.Status, status); err != nil {
		return err
	}

	now := s.now()
	if models.IsTerminalStatus(status) && sub.Status != status {
		sub.CompletedAt = &now
	}
	sub.Status = status
	sub.UpdatedAt = now
	if params.Progress != nil {
		sub.Progress = *params.Progress
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		sub.ErrorMessage = &msg
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
