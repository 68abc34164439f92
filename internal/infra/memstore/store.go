package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"telegram-session-bot/internal/domain"
	"telegram-session-bot/internal/domain/model"
	"telegram-session-bot/internal/domain/ports/adapter"
	"telegram-session-bot/internal/domain/ports/repository"
)

var _ repository.FlowStateRepository = (*Store)(nil)

// Store is the process-wide, memory-only home of dialogue records and live
// auth sessions. Nothing survives a restart.
type Store struct {
	mu        sync.RWMutex
	dialogues map[int64]*model.DialogueRecord
	sessions  map[int64]adapter.AuthSession
}

func NewStore() *Store {
	return &Store{
		dialogues: make(map[int64]*model.DialogueRecord),
		sessions:  make(map[int64]adapter.AuthSession),
	}
}

func (s *Store) GetDialogue(ctx context.Context, userID int64) (*model.DialogueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.dialogues[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) SaveDialogue(ctx context.Context, userID int64, rec *model.DialogueRecord) error {
	if rec == nil {
		return domain.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogues[userID] = rec.Clone()
	return nil
}

func (s *Store) DeleteDialogue(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogues, userID)
	return nil
}

func (s *Store) GetSession(ctx context.Context, userID int64) (adapter.AuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

func (s *Store) SaveSession(ctx context.Context, userID int64, sess adapter.AuthSession) error {
	if sess == nil {
		return domain.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = sess
	return nil
}

func (s *Store) TakeSession(ctx context.Context, userID int64) (adapter.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(s.sessions, userID)
	return sess, nil
}

func (s *Store) IdleSince(ctx context.Context, before time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, rec := range s.dialogues {
		if rec.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (s *Store) Users(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{}, len(s.dialogues)+len(s.sessions))
	for id := range s.dialogues {
		seen[id] = struct{}{}
	}
	for id := range s.sessions {
		seen[id] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// Count returns the number of in-progress flows.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dialogues), nil
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
