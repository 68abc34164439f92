package mtproto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"telegram-session-bot/internal/config"
	"telegram-session-bot/internal/domain"
	"telegram-session-bot/internal/domain/ports/adapter"
	"telegram-session-bot/internal/infra/metrics"
)

// Compile-time checks
var (
	_ adapter.AuthClient  = (*GotdClient)(nil)
	_ adapter.AuthSession = (*gotdSession)(nil)
)

// GotdClient opens one in-memory gotd client per sign-in attempt.
type GotdClient struct {
	timeout time.Duration
	format  string
	log     *zerolog.Logger
}

func NewGotdClient(cfg config.MTProtoConfig, logger *zerolog.Logger) *GotdClient {
	l := logger.With().Str("component", "mtproto").Logger()
	format := cfg.SessionFormat
	if format == "" {
		format = config.SessionFormatTelethon
	}
	return &GotdClient{timeout: cfg.RequestTimeout, format: format, log: &l}
}

// Connect starts the client in the background and returns once it is usable.
// The client keeps running until Disconnect.
func (c *GotdClient) Connect(ctx context.Context, apiID int, apiHash string) (adapter.AuthSession, error) {
	start := time.Now()
	storage := &session.StorageMemory{}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &gotdSession{
		client:  client,
		storage: storage,
		cancel:  cancel,
		done:    make(chan struct{}),
		timeout: c.timeout,
		format:  c.format,
		log:     c.log,
	}

	ready := make(chan struct{})
	go func() {
		defer close(s.done)
		s.runErr = client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()

	ctx, stop := s.callCtx(ctx)
	defer stop()

	var err error
	select {
	case <-ready:
	case <-s.done:
		err = s.runErr
		if err == nil {
			err = errors.New("client stopped before becoming ready")
		}
	case <-ctx.Done():
		cancel()
		<-s.done
		err = ctx.Err()
	}
	metrics.ObserveMTProtoCall("connect", start, err)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mtproto connect: %w", mapError(err))
	}
	c.log.Debug().Int("api_id", apiID).Dur("took", time.Since(start)).Msg("mtproto client ready")
	return s, nil
}

type gotdSession struct {
	client  *telegram.Client
	storage *session.StorageMemory
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	once    sync.Once

	timeout time.Duration
	format  string
	log     *zerolog.Logger

	codeHash string
}

func (s *gotdSession) RequestCode(ctx context.Context, phone string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	start := time.Now()
	sent, err := s.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	metrics.ObserveMTProtoCall("send_code", start, err)
	if err != nil {
		return fmt.Errorf("send code: %w", mapError(err))
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("unexpected sent code type: %T", sent)
	}
	s.codeHash = code.PhoneCodeHash
	return nil
}

func (s *gotdSession) SignIn(ctx context.Context, phone, code string) error {
	if s.codeHash == "" {
		return fmt.Errorf("sign in before code request: %w", domain.ErrInvalidArgument)
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.client.Auth().SignIn(ctx, phone, code, s.codeHash)
	// a password prompt is an expected outcome, not a failed call
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		metrics.ObserveMTProtoCall("sign_in", start, nil)
	} else {
		metrics.ObserveMTProtoCall("sign_in", start, err)
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", mapError(err))
	}
	return nil
}

func (s *gotdSession) SignInPassword(ctx context.Context, password string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.client.Auth().Password(ctx, password)
	metrics.ObserveMTProtoCall("check_password", start, err)
	if err != nil {
		return fmt.Errorf("check password: %w", mapError(err))
	}
	return nil
}

func (s *gotdSession) Export(ctx context.Context) (string, error) {
	switch s.format {
	case config.SessionFormatGotd:
		raw, err := s.storage.LoadSession(ctx)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		return base64.URLEncoding.EncodeToString(raw), nil
	default:
		data, err := (&session.Loader{Storage: s.storage}).Load(ctx)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		return EncodeTelethon(data)
	}
}

// Disconnect stops the background client. Safe to call more than once.
func (s *gotdSession) Disconnect() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.runErr != nil && !errors.Is(s.runErr, context.Canceled) {
			err = s.runErr
		}
	})
	return err
}

func (s *gotdSession) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// mapError translates gotd and RPC errors into domain errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FloodWaitError{Wait: d, Err: err}
	}
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return fmt.Errorf("%w: %w", domain.ErrPasswordNeeded, err)
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return fmt.Errorf("%w: %w", domain.ErrPasswordInvalid, err)
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return fmt.Errorf("%w: %w", domain.ErrInvalidCode, err)
	}
	return err
}
