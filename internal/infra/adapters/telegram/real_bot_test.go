package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"telegram-session-bot/internal/config"
	"telegram-session-bot/internal/infra/logging"
	"telegram-session-bot/internal/infra/metrics"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErr  error
	updates  chan tgbotapi.Update
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	if b.sendErr != nil && msg.ParseMode != "" {
		return tgbotapi.Message{}, b.sendErr
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return b.updates }

func (b *fakeBot) StopReceivingUpdates() {}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, m := range b.sent {
		out[i] = m.Text
	}
	return out
}

type fakeFacade struct {
	mu        sync.Mutex
	calls     []string
	progress  string
	replies   []string
	handleErr error
}

func (f *fakeFacade) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeFacade) HandleStart(ctx context.Context, tgID int64, firstName string) (string, error) {
	f.record("start:" + firstName)
	return "welcome", nil
}

func (f *fakeFacade) HandleGenerate(ctx context.Context, tgID int64) (string, error) {
	f.record("generate")
	return "step1", nil
}

func (f *fakeFacade) HandleCancel(ctx context.Context, tgID int64) (string, error) {
	f.record("cancel")
	return "cancelled", nil
}

func (f *fakeFacade) HandleHelp(ctx context.Context) string {
	f.record("help")
	return "help"
}

func (f *fakeFacade) HandleText(ctx context.Context, tgID int64, text string) ([]string, error) {
	f.record("text:" + text)
	return f.replies, f.handleErr
}

func (f *fakeFacade) ProgressNotice(ctx context.Context, tgID int64) string { return f.progress }
func (f *fakeFacade) ExpiredNotice() string                                 { return "expired" }
func (f *fakeFacade) RateLimited() string                                   { return "slow down" }
func (f *fakeFacade) Commands() [][2]string {
	return [][2]string{{"start", "Start"}, {"generate", "Generate"}}
}

type fakeLimiter struct {
	deny map[string]bool
	err  error
	keys []string
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, l.err
	}
	return !l.deny[key], nil
}

func command(text string) tgbotapi.Update {
	u := textUpdate(text)
	end := len(text)
	for i, c := range text {
		if c == ' ' {
			end = i
			break
		}
	}
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	return u
}

func textUpdate(text string) tgbotapi.Update {
	return textUpdateFrom(77, text)
}

func textUpdateFrom(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: userID, FirstName: "Ada"},
		Chat: &tgbotapi.Chat{ID: userID},
	}}
}

func newTestAdapter(f *fakeFacade, l RateLimiter) (*RealTelegramBotAdapter, *fakeBot) {
	bot := &fakeBot{}
	limits := config.RateLimitConfig{MessagesPerMinute: 30, GeneratePerHour: 5}
	return newAdapter(bot, f, l, limits, 2, logging.Nop()), bot
}

func TestHandleUpdate_Commands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		text string
		call string
		sent string
	}{
		{"/start", "start:Ada", "welcome"},
		{"/generate", "generate", "step1"},
		{"/cancel", "cancel", "cancelled"},
		{"/help", "help", "help"},
		{"/unknown", "help", "help"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := &fakeFacade{}
			r, bot := newTestAdapter(f, nil)
			if err := r.handleUpdate(ctx, command(tt.text)); err != nil {
				t.Fatalf("handleUpdate: %v", err)
			}
			if len(f.calls) != 1 || f.calls[0] != tt.call {
				t.Errorf("calls: %v", f.calls)
			}
			if got := bot.texts(); len(got) != 1 || got[0] != tt.sent {
				t.Errorf("sent: %v", got)
			}
			if bot.sent[0].ParseMode != tgbotapi.ModeMarkdown {
				t.Errorf("parse mode: %q", bot.sent[0].ParseMode)
			}
		})
	}
}

func TestHandleUpdate_TextSendsProgressThenReplies(t *testing.T) {
	f := &fakeFacade{progress: "verifying", replies: []string{"ok", "token", "usage"}}
	r, bot := newTestAdapter(f, nil)

	if err := r.handleUpdate(context.Background(), textUpdate("12345")); err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	got := bot.texts()
	want := []string{"verifying", "ok", "token", "usage"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestHandleUpdate_FacadeErrorStillReplies(t *testing.T) {
	f := &fakeFacade{replies: []string{"generic"}, handleErr: errors.New("store down")}
	r, bot := newTestAdapter(f, nil)
	if err := r.handleUpdate(context.Background(), textUpdate("x")); err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if got := bot.texts(); len(got) != 1 || got[0] != "generic" {
		t.Errorf("sent %v", got)
	}
}

func TestHandleUpdate_Ignores(t *testing.T) {
	f := &fakeFacade{}
	r, bot := newTestAdapter(f, nil)
	ctx := context.Background()

	_ = r.handleUpdate(ctx, tgbotapi.Update{})
	_ = r.handleUpdate(ctx, textUpdate("   "))
	if len(f.calls) != 0 || len(bot.texts()) != 0 {
		t.Errorf("expected nothing, got calls=%v sent=%v", f.calls, bot.texts())
	}
}

func TestHandleUpdate_RateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("messages", func(t *testing.T) {
		l := &fakeLimiter{deny: map[string]bool{"rate_limit:77:message": true}}
		f := &fakeFacade{}
		r, bot := newTestAdapter(f, l)
		_ = r.handleUpdate(ctx, textUpdate("hi"))
		if len(f.calls) != 0 {
			t.Errorf("facade called while limited: %v", f.calls)
		}
		if got := bot.texts(); len(got) != 1 || got[0] != "slow down" {
			t.Errorf("sent %v", got)
		}
	})

	t.Run("generate", func(t *testing.T) {
		l := &fakeLimiter{deny: map[string]bool{"rate_limit:77:generate": true}}
		f := &fakeFacade{}
		r, bot := newTestAdapter(f, l)
		_ = r.handleUpdate(ctx, command("/generate"))
		if len(f.calls) != 0 {
			t.Errorf("generate ran while limited")
		}
		if got := bot.texts(); len(got) != 1 || got[0] != "slow down" {
			t.Errorf("sent %v", got)
		}
	})

	t.Run("limiter failure lets updates through", func(t *testing.T) {
		l := &fakeLimiter{err: errors.New("redis down")}
		f := &fakeFacade{}
		r, _ := newTestAdapter(f, l)
		_ = r.handleUpdate(ctx, command("/help"))
		if len(f.calls) != 1 {
			t.Errorf("expected help to run, calls=%v", f.calls)
		}
	})
}

func TestSendMessage_FallsBackToPlainText(t *testing.T) {
	r, bot := newTestAdapter(&fakeFacade{}, nil)
	bot.sendErr = errors.New("Bad Request: can't parse entities: Can't find end of the entity")

	if err := r.SendMessage(context.Background(), 1, "a_b"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ParseMode != "" {
		t.Errorf("expected one plain resend, got %+v", bot.sent)
	}
}

func TestSetMenuCommands(t *testing.T) {
	r, bot := newTestAdapter(&fakeFacade{}, nil)
	if err := r.SetMenuCommands(context.Background()); err != nil {
		t.Fatalf("SetMenuCommands: %v", err)
	}
	cfg, ok := bot.requests[0].(tgbotapi.SetMyCommandsConfig)
	if !ok {
		t.Fatalf("unexpected request %T", bot.requests[0])
	}
	if len(cfg.Commands) != 2 || cfg.Commands[1].Command != "generate" {
		t.Errorf("commands: %+v", cfg.Commands)
	}
}

func TestStartPolling_DispatchesUntilCancel(t *testing.T) {
	f := &fakeFacade{}
	r, bot := newTestAdapter(f, nil)
	bot.updates = make(chan tgbotapi.Update, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.StartPolling(ctx) }()

	bot.updates <- command("/help")
	deadline := time.After(2 * time.Second)
	for len(bot.texts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("update not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("StartPolling returned %v", err)
	}
	if _, ok := bot.requests[0].(tgbotapi.DeleteWebhookConfig); !ok {
		t.Errorf("pending updates were not dropped first: %T", bot.requests[0])
	}
}

var (
	registryOnce sync.Once
	registry     = prometheus.NewRegistry()
)

func commandLabels(t *testing.T) map[string]float64 {
	t.Helper()
	registryOnce.Do(func() { metrics.MustRegister(registry) })
	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != "telegram_commands_received_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "command" {
					out[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func TestHandleUpdate_UnknownCommandLabel(t *testing.T) {
	before := commandLabels(t)
	r, bot := newTestAdapter(&fakeFacade{}, nil)
	for _, text := range []string{"/random123", "/x9f2", "/generate"} {
		if err := r.handleUpdate(context.Background(), command(text)); err != nil {
			t.Fatalf("handleUpdate(%s): %v", text, err)
		}
	}

	after := commandLabels(t)
	if got := after["/unknown"] - before["/unknown"]; got != 2 {
		t.Errorf("/unknown: expected +2, got %v", got)
	}
	if got := after["/generate"] - before["/generate"]; got != 1 {
		t.Errorf("/generate: expected +1, got %v", got)
	}
	for _, leaked := range []string{"/random123", "/x9f2"} {
		if _, ok := after[leaked]; ok {
			t.Errorf("label %q was created", leaked)
		}
	}
	if got := bot.texts(); got[0] != "help" || got[1] != "help" {
		t.Errorf("unknown commands should answer with help, sent %v", got)
	}
}

// jitterLimiter delays every check, like a round trip to redis.
type jitterLimiter struct{}

func (jitterLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	time.Sleep(time.Duration(rand.Intn(1500)) * time.Microsecond)
	return true, nil
}

// orderFacade tracks per-user progress so a notice can be matched with the
// message it precedes.
type orderFacade struct {
	fakeFacade
	mu      sync.Mutex
	handled map[int64]int
	log     map[int64][]string
}

func (f *orderFacade) ProgressNotice(ctx context.Context, tgID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log[tgID] = append(f.log[tgID], fmt.Sprintf("notice@%d", f.handled[tgID]))
	return ""
}

func (f *orderFacade) HandleText(ctx context.Context, tgID int64, text string) ([]string, error) {
	time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log[tgID] = append(f.log[tgID], text)
	f.handled[tgID]++
	return nil, nil
}

func (f *orderFacade) entries(tgID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log[tgID]...)
}

func TestStartPolling_KeepsPerUserOrder(t *testing.T) {
	const perUser = 40
	users := []int64{77, 78, 79}

	f := &orderFacade{handled: map[int64]int{}, log: map[int64][]string{}}
	bot := &fakeBot{updates: make(chan tgbotapi.Update, perUser*len(users))}
	limits := config.RateLimitConfig{MessagesPerMinute: 1000}
	r := newAdapter(bot, f, jitterLimiter{}, limits, 8, logging.Nop())

	for i := 0; i < perUser; i++ {
		for _, id := range users {
			bot.updates <- textUpdateFrom(id, fmt.Sprintf("m%02d", i))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.StartPolling(ctx) }()

	deadline := time.After(5 * time.Second)
	for _, id := range users {
		for len(f.entries(id)) < 2*perUser {
			select {
			case <-deadline:
				t.Fatalf("user %d: only %d entries processed", id, len(f.entries(id)))
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	cancel()
	<-done

	for _, id := range users {
		got := f.entries(id)
		for i := 0; i < perUser; i++ {
			notice, text := got[2*i], got[2*i+1]
			if want := fmt.Sprintf("notice@%d", i); notice != want {
				t.Fatalf("user %d: progress computed for the wrong message: got %s want %s (%v)", id, notice, want, got)
			}
			if want := fmt.Sprintf("m%02d", i); text != want {
				t.Fatalf("user %d: processed out of arrival order: got %s want %s (%v)", id, text, want, got)
			}
		}
	}
}
