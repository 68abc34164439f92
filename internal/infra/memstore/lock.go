package memstore

import (
	"context"
	"sync"

	"telegram-session-bot/internal/domain/ports/repository"
)

var _ repository.UserLocker = (*UserLocker)(nil)

// UserLocker hands out one mutual-exclusion slot per user. Slots are
// reference counted and dropped once nobody holds or waits for them.
type UserLocker struct {
	mu    sync.Mutex
	slots map[int64]*userSlot
}

type userSlot struct {
	ch   chan struct{}
	refs int
}

func NewUserLocker() *UserLocker {
	return &UserLocker{slots: make(map[int64]*userSlot)}
}

func (l *UserLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[userID]
	if !ok {
		slot = &userSlot{ch: make(chan struct{}, 1)}
		l.slots[userID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(userID, slot)
		})
	}, nil
}

func (l *UserLocker) release(userID int64, slot *userSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, userID)
	}
}

// held reports how many users currently have a slot (for tests).
func (l *UserLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
