package repository

import (
	"context"
	"time"

	"telegram-session-bot/internal/domain/model"
	"telegram-session-bot/internal/domain/ports/adapter"
)

// FlowStateRepository keeps the dialogue record and the live auth session of
// every user with a generation flow in progress.
type FlowStateRepository interface {
	// GetDialogue returns a copy of the user's record or domain.ErrNotFound.
	GetDialogue(ctx context.Context, userID int64) (*model.DialogueRecord, error)
	SaveDialogue(ctx context.Context, userID int64, rec *model.DialogueRecord) error
	DeleteDialogue(ctx context.Context, userID int64) error

	// GetSession returns the user's auth session or domain.ErrNotFound.
	GetSession(ctx context.Context, userID int64) (adapter.AuthSession, error)
	SaveSession(ctx context.Context, userID int64, sess adapter.AuthSession) error
	// TakeSession removes and returns the user's auth session, or domain.ErrNotFound.
	TakeSession(ctx context.Context, userID int64) (adapter.AuthSession, error)

	// IdleSince lists users whose record was last updated before the given time.
	IdleSince(ctx context.Context, before time.Time) ([]int64, error)
	// Users lists every user with a dialogue record or a session.
	Users(ctx context.Context) ([]int64, error)
	Count(ctx context.Context) (int, error)
}

// UserLocker serializes work for a single user.
type UserLocker interface {
	// Lock blocks until the user's lock is held and returns its release func.
	Lock(ctx context.Context, userID int64) (unlock func(), err error)
}
