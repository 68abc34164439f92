package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"telegram-session-bot/internal/domain"
	"telegram-session-bot/internal/domain/model"
	"telegram-session-bot/internal/domain/ports/adapter"
	"telegram-session-bot/internal/domain/ports/repository"
	"telegram-session-bot/internal/infra/logging"
	"telegram-session-bot/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ SessionFlowUseCase = (*sessionFlowUC)(nil)

// EffectKind tells the chat layer what a transition produced.
type EffectKind string

const (
	EffectPrompt    EffectKind = "prompt"    // ask for Effect.Step
	EffectError     EffectKind = "error"     // recoverable, flow stays at Effect.Step
	EffectSuccess   EffectKind = "success"   // Effect.Token holds the session; flow is gone
	EffectTerminate EffectKind = "terminate" // flow is gone; Effect.Err explains why
)

// Reason classifies error and terminate effects.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoFlow          Reason = "no_flow"
	ReasonInvalidAPIID    Reason = "invalid_api_id"
	ReasonEmptyInput      Reason = "empty_input"
	ReasonInvalidCode     Reason = "invalid_code"
	ReasonPasswordInvalid Reason = "password_invalid"
	ReasonFloodWait       Reason = "flood_wait"
	ReasonExternal        Reason = "external"
)

// Effect is the outcome of one dialogue transition.
type Effect struct {
	Kind   EffectKind
	Step   model.Step
	Reason Reason
	Err    error
	Token  string
}

// SessionFlowUseCase drives the per-user session generation dialogue.
type SessionFlowUseCase interface {
	// Start resets any previous flow of the user and begins a new one.
	Start(ctx context.Context, userID int64) (flowID string, err error)
	// Handle feeds one free-text message into the user's flow.
	Handle(ctx context.Context, userID int64, text string) (Effect, error)
	// Cancel drops the user's flow. hadFlow reports whether anything was there.
	Cancel(ctx context.Context, userID int64) (hadFlow bool, err error)
	// Cleanup releases the user's auth session and dialogue record. Idempotent.
	Cleanup(ctx context.Context, userID int64) error
	// Pending peeks at the step the user is on, without locking.
	Pending(ctx context.Context, userID int64) (model.Step, bool)
	// ExpireIdle cleans up flows untouched since before and returns their users.
	ExpireIdle(ctx context.Context, before time.Time) ([]int64, error)
	// Shutdown cleans up every flow, disconnecting all auth sessions.
	Shutdown(ctx context.Context) error
	ActiveFlows(ctx context.Context) (int, error)
}

type sessionFlowUC struct {
	store repository.FlowStateRepository
	locks repository.UserLocker
	auth  adapter.AuthClient
	log   *zerolog.Logger
	dev   bool
}

func NewSessionFlowUseCase(store repository.FlowStateRepository, locks repository.UserLocker, auth adapter.AuthClient, logger *zerolog.Logger, dev bool) *sessionFlowUC {
	flowLog := logger.With().Str("component", "SessionFlowUC").Logger()
	return &sessionFlowUC{
		store: store,
		locks: locks,
		auth:  auth,
		log:   &flowLog,
		dev:   dev,
	}
}

func (u *sessionFlowUC) Start(ctx context.Context, userID int64) (string, error) {
	defer logging.TraceDuration(u.log, "SessionFlowUC.Start")()

	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := u.cleanupLocked(ctx, userID); err != nil {
		return "", fmt.Errorf("reset previous flow: %w", err)
	}
	rec := model.NewDialogueRecord()
	if err := u.store.SaveDialogue(ctx, userID, rec); err != nil {
		return "", fmt.Errorf("save dialogue: %w", err)
	}

	metrics.IncFlowStarted()
	u.refreshActive(ctx)
	u.logger(logging.WithFlowID(ctx, rec.FlowID)).Info().Msg("flow started")
	return rec.FlowID, nil
}

func (u *sessionFlowUC) Handle(ctx context.Context, userID int64, text string) (Effect, error) {
	defer logging.TraceDuration(u.log, "SessionFlowUC.Handle")()

	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return Effect{}, err
	}
	defer unlock()

	rec, err := u.store.GetDialogue(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		eff := Effect{Kind: EffectError, Step: model.StepNone, Reason: ReasonNoFlow, Err: domain.ErrNoActiveFlow}
		u.observe(eff)
		return eff, nil
	}
	if err != nil {
		return Effect{}, fmt.Errorf("get dialogue: %w", err)
	}

	ctx = logging.WithFlowID(ctx, rec.FlowID)
	text = strings.TrimSpace(text)

	var eff Effect
	switch rec.Step {
	case model.StepAPIID:
		eff, err = u.onAPIID(ctx, userID, rec, text)
	case model.StepAPIHash:
		eff, err = u.onAPIHash(ctx, userID, rec, text)
	case model.StepPhone:
		eff, err = u.onPhone(ctx, userID, rec, text)
	case model.StepCode:
		eff, err = u.onCode(ctx, userID, rec, text)
	case model.StepTwoFactor:
		eff, err = u.onTwoFactor(ctx, userID, rec, text)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownStep, rec.Step)
	}
	if err != nil {
		u.logger(ctx).Error().Err(err).Str("step", string(rec.Step)).Msg("dialogue transition failed")
		return Effect{}, err
	}
	u.observe(eff)
	return eff, nil
}

func (u *sessionFlowUC) onAPIID(ctx context.Context, userID int64, rec *model.DialogueRecord, text string) (Effect, error) {
	apiID, err := strconv.Atoi(text)
	if err != nil || apiID <= 0 {
		return inputError(rec.Step, ReasonInvalidAPIID, domain.ErrInvalidAPIID), nil
	}
	rec.APIID = &apiID
	return u.advance(ctx, userID, rec, model.StepAPIHash)
}

func (u *sessionFlowUC) onAPIHash(ctx context.Context, userID int64, rec *model.DialogueRecord, text string) (Effect, error) {
	if text == "" {
		return inputError(rec.Step, ReasonEmptyInput, domain.ErrEmptyInput), nil
	}
	rec.APIHash = text
	return u.advance(ctx, userID, rec, model.StepPhone)
}

func (u *sessionFlowUC) onPhone(ctx context.Context, userID int64, rec *model.DialogueRecord, text string) (Effect, error) {
	if text == "" {
		return inputError(rec.Step, ReasonEmptyInput, domain.ErrEmptyInput), nil
	}
	if rec.APIID == nil || rec.APIHash == "" {
		return u.fail(ctx, userID, rec.Step, domain.ErrInvalidArgument), nil
	}
	rec.Phone = text
	log := u.logger(ctx)
	log.Info().Str("phone", logging.Redact(text, u.dev)).Msg("requesting verification code")

	sess, err := u.auth.Connect(ctx, *rec.APIID, rec.APIHash)
	if err != nil {
		return u.fail(ctx, userID, rec.Step, err), nil
	}
	if err := sess.RequestCode(ctx, rec.Phone); err != nil {
		if derr := sess.Disconnect(); derr != nil {
			log.Warn().Err(derr).Msg("disconnect after failed code request")
		}
		return u.fail(ctx, userID, rec.Step, err), nil
	}

	if err := u.store.SaveSession(ctx, userID, sess); err != nil {
		_ = sess.Disconnect()
		return Effect{}, fmt.Errorf("save session: %w", err)
	}
	return u.advance(ctx, userID, rec, model.StepCode)
}

func (u *sessionFlowUC) onCode(ctx context.Context, userID int64, rec *model.DialogueRecord, text string) (Effect, error) {
	code := stripSeparators(text)
	if code == "" {
		return inputError(rec.Step, ReasonEmptyInput, domain.ErrEmptyInput), nil
	}
	sess, err := u.store.GetSession(ctx, userID)
	if err != nil {
		return u.fail(ctx, userID, rec.Step, domain.ErrSessionMissing), nil
	}

	err = sess.SignIn(ctx, rec.Phone, code)
	switch {
	case err == nil:
		return u.finish(ctx, userID, rec, sess), nil
	case errors.Is(err, domain.ErrPasswordNeeded):
		return u.advance(ctx, userID, rec, model.StepTwoFactor)
	case errors.Is(err, domain.ErrInvalidCode):
		rec.Touch()
		if err := u.store.SaveDialogue(ctx, userID, rec); err != nil {
			return Effect{}, fmt.Errorf("save dialogue: %w", err)
		}
		return inputError(rec.Step, ReasonInvalidCode, err), nil
	default:
		return u.fail(ctx, userID, rec.Step, err), nil
	}
}

func (u *sessionFlowUC) onTwoFactor(ctx context.Context, userID int64, rec *model.DialogueRecord, text string) (Effect, error) {
	if text == "" {
		return inputError(rec.Step, ReasonEmptyInput, domain.ErrEmptyInput), nil
	}
	sess, err := u.store.GetSession(ctx, userID)
	if err != nil {
		return u.fail(ctx, userID, rec.Step, domain.ErrSessionMissing), nil
	}
	if err := sess.SignInPassword(ctx, text); err != nil {
		return u.fail(ctx, userID, rec.Step, err), nil
	}
	return u.finish(ctx, userID, rec, sess), nil
}

// advance moves rec to next and persists it.
func (u *sessionFlowUC) advance(ctx context.Context, userID int64, rec *model.DialogueRecord, next model.Step) (Effect, error) {
	if err := rec.Advance(next); err != nil {
		return Effect{}, fmt.Errorf("advance %s -> %s: %w", rec.Step, next, err)
	}
	if err := u.store.SaveDialogue(ctx, userID, rec); err != nil {
		return Effect{}, fmt.Errorf("save dialogue: %w", err)
	}
	u.logger(ctx).Debug().Str("step", string(next)).Msg("flow advanced")
	return Effect{Kind: EffectPrompt, Step: next}, nil
}

// finish exports the token of an authorized session and ends the flow.
func (u *sessionFlowUC) finish(ctx context.Context, userID int64, rec *model.DialogueRecord, sess adapter.AuthSession) Effect {
	token, err := sess.Export(ctx)
	if err != nil {
		return u.fail(ctx, userID, rec.Step, fmt.Errorf("export session: %w", err))
	}
	if err := u.cleanupLocked(ctx, userID); err != nil {
		u.logger(ctx).Warn().Err(err).Msg("cleanup after success")
	}
	metrics.IncFlowFinished("success")
	u.logger(ctx).Info().Dur("elapsed", time.Since(rec.StartedAt)).Msg("session generated")
	return Effect{Kind: EffectSuccess, Step: rec.Step, Token: token}
}

// fail ends the flow after an external error.
func (u *sessionFlowUC) fail(ctx context.Context, userID int64, step model.Step, cause error) Effect {
	if err := u.cleanupLocked(ctx, userID); err != nil {
		u.logger(ctx).Warn().Err(err).Msg("cleanup after failure")
	}
	metrics.IncFlowFinished("failed")
	u.logger(ctx).Warn().Err(cause).Str("step", string(step)).Msg("flow terminated")
	return Effect{Kind: EffectTerminate, Step: step, Reason: classify(cause), Err: cause}
}

func (u *sessionFlowUC) Cancel(ctx context.Context, userID int64) (bool, error) {
	defer logging.TraceDuration(u.log, "SessionFlowUC.Cancel")()

	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	had := u.hasFlow(ctx, userID)
	if err := u.cleanupLocked(ctx, userID); err != nil {
		return had, err
	}
	if had {
		metrics.IncFlowFinished("cancelled")
		u.logger(ctx).Info().Msg("flow cancelled")
	}
	return had, nil
}

func (u *sessionFlowUC) Cleanup(ctx context.Context, userID int64) error {
	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return u.cleanupLocked(ctx, userID)
}

// cleanupLocked must run while the user's lock is held.
func (u *sessionFlowUC) cleanupLocked(ctx context.Context, userID int64) error {
	sess, err := u.store.TakeSession(ctx, userID)
	switch {
	case err == nil:
		if derr := sess.Disconnect(); derr != nil {
			u.logger(ctx).Warn().Err(derr).Msg("auth session disconnect failed")
		}
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("take session: %w", err)
	}
	if err := u.store.DeleteDialogue(ctx, userID); err != nil {
		return fmt.Errorf("delete dialogue: %w", err)
	}
	u.refreshActive(ctx)
	return nil
}

func (u *sessionFlowUC) Pending(ctx context.Context, userID int64) (model.Step, bool) {
	rec, err := u.store.GetDialogue(ctx, userID)
	if err != nil {
		return model.StepNone, false
	}
	return rec.Step, true
}

func (u *sessionFlowUC) ExpireIdle(ctx context.Context, before time.Time) ([]int64, error) {
	ids, err := u.store.IdleSince(ctx, before)
	if err != nil {
		return nil, err
	}
	var expired []int64
	for _, id := range ids {
		ok, err := u.expireOne(ctx, id, before)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (u *sessionFlowUC) expireOne(ctx context.Context, userID int64, before time.Time) (bool, error) {
	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// the user may have moved on while we waited for the lock
	rec, err := u.store.GetDialogue(ctx, userID)
	if err != nil || !rec.UpdatedAt.Before(before) {
		return false, nil
	}
	if err := u.cleanupLocked(ctx, userID); err != nil {
		return false, err
	}
	metrics.IncFlowFinished("expired")
	u.logger(logging.WithFlowID(logging.WithTgID(ctx, userID), rec.FlowID)).Info().
		Str("step", string(rec.Step)).Msg("idle flow expired")
	return true, nil
}

func (u *sessionFlowUC) Shutdown(ctx context.Context) error {
	ids, err := u.store.Users(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := u.shutdownOne(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		u.log.Info().Int("flows", len(ids)).Msg("open flows released on shutdown")
	}
	return errors.Join(errs...)
}

func (u *sessionFlowUC) shutdownOne(ctx context.Context, userID int64) error {
	unlock, err := u.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	if u.hasFlow(ctx, userID) {
		metrics.IncFlowFinished("shutdown")
	}
	return u.cleanupLocked(ctx, userID)
}

func (u *sessionFlowUC) ActiveFlows(ctx context.Context) (int, error) {
	return u.store.Count(ctx)
}

func (u *sessionFlowUC) hasFlow(ctx context.Context, userID int64) bool {
	if _, err := u.store.GetDialogue(ctx, userID); err == nil {
		return true
	}
	_, err := u.store.GetSession(ctx, userID)
	return err == nil
}

func (u *sessionFlowUC) refreshActive(ctx context.Context) {
	if n, err := u.store.Count(ctx); err == nil {
		metrics.SetFlowsActive(n)
	}
}

func (u *sessionFlowUC) observe(eff Effect) {
	if eff.Kind == EffectError || eff.Kind == EffectTerminate {
		step := string(eff.Step)
		if step == "" {
			step = "none"
		}
		metrics.IncFlowStepError(step, string(eff.Reason))
	}
}

func (u *sessionFlowUC) logger(ctx context.Context) *zerolog.Logger {
	return logging.With(ctx, u.log)
}

func inputError(step model.Step, reason Reason, err error) Effect {
	return Effect{Kind: EffectError, Step: step, Reason: reason, Err: err}
}

func classify(err error) Reason {
	var flood *domain.FloodWaitError
	switch {
	case errors.As(err, &flood):
		return ReasonFloodWait
	case errors.Is(err, domain.ErrPasswordInvalid):
		return ReasonPasswordInvalid
	default:
		return ReasonExternal
	}
}

// stripSeparators drops the spaces, dashes and dots people put inside codes.
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '.' {
			return -1
		}
		return r
	}, s)
}
