package adapter

import "context"

// AuthClient opens authentication sessions against Telegram's user API.
type AuthClient interface {
	Connect(ctx context.Context, apiID int, apiHash string) (AuthSession, error)
}

// AuthSession is a live connection used while a user signs in.
// Implementations map protocol errors onto the domain sentinels
// (ErrPasswordNeeded, ErrInvalidCode, ErrPasswordInvalid, *FloodWaitError).
type AuthSession interface {
	RequestCode(ctx context.Context, phone string) error
	SignIn(ctx context.Context, phone, code string) error
	SignInPassword(ctx context.Context, password string) error
	// Export serializes the authorized session into a portable token.
	Export(ctx context.Context) (string, error)
	Disconnect() error
}
