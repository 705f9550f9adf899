package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"botfleet/internal/crypto"
	"botfleet/internal/provider"
	"botfleet/internal/queue"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

// flakyProvider accepts every credential and fails SendMessage the first
// failSends times.
type flakyProvider struct {
	mu        sync.Mutex
	failSends int
	attempts  int
	sent      []string
}

func (f *flakyProvider) Validate(ctx context.Context, token string) (provider.Identity, error) {
	return provider.Identity{ID: 1, Username: "demo_bot", DisplayName: "Demo"}, nil
}

func (f *flakyProvider) SetWebhook(ctx context.Context, token, url string) error { return nil }

func (f *flakyProvider) ClearWebhook(ctx context.Context, token string) error { return nil }

func (f *flakyProvider) SendMessage(ctx context.Context, token string, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failSends > 0 {
		f.failSends--
		return provider.ErrUnavailable
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *flakyProvider) AckCallback(ctx context.Context, token, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "ack:"+callbackID)
	return nil
}

func (f *flakyProvider) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
	provider   *flakyProvider
	store      *storage.Store
	botID      int64
}

func newFixture(t *testing.T, fp *flakyProvider, withRedis bool, ratePerMinute int64) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	vault, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x33}, 32)})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	reg := registry.New(registry.Config{
		Store:     store,
		Provider:  fp,
		Vault:     vault,
		Logger:    zerolog.Nop(),
		PublicURL: "https://bots.example.com",
	})
	t.Cleanup(reg.Close)

	cfg := Config{
		Registry:    reg,
		Logger:      zerolog.Nop(),
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		TaskTimeout: 5 * time.Second,
	}
	if withRedis {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		cfg.Dedupe = queue.NewUpdateDeduplicator(rdb, time.Hour)
		if ratePerMinute > 0 {
			cfg.Limiter = queue.NewRateLimiter(rdb, ratePerMinute)
		}
	}

	bot, err := reg.Create(ctx, 1, "111:token-a", "")
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	return &fixture{
		reg:        reg,
		dispatcher: New(cfg),
		provider:   fp,
		store:      store,
		botID:      bot.ID,
	}
}

func messagePayload(updateID, senderID int64, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"update_id":%d,"message":{"from":{"id":%d,"first_name":"Ann","username":"ann"},"chat":{"id":%d},"text":%q}}`,
		updateID, senderID, senderID, text))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleSessionStart(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)
	ctx := context.Background()

	fx.dispatcher.Handle(ctx, fx.botID, messagePayload(1, 7, "/start"))
	waitFor(t, "welcome reply", func() bool { return len(fp.sentCopy()) == 1 })

	if got := fp.sentCopy()[0]; got != "Welcome! How can I help you today?" {
		t.Fatalf("unexpected welcome: %q", got)
	}
	conv, err := fx.store.GetConversation(ctx, fx.botID, 7)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !conv.Active || conv.FirstName != "Ann" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	ints, err := fx.store.ListInteractions(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(ints) != 2 || ints[0].Type != storage.InteractionMessageReceived || ints[1].Type != storage.InteractionMessageSent {
		t.Fatalf("unexpected interactions: %+v", ints)
	}
}

func TestHandleTextReply(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)

	fx.dispatcher.Handle(context.Background(), fx.botID, messagePayload(1, 7, "hello"))
	waitFor(t, "echo reply", func() bool { return len(fp.sentCopy()) == 1 })

	if got := fp.sentCopy()[0]; got != "You said: hello" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestHandleCallback(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)
	ctx := context.Background()

	payload := []byte(`{"update_id":5,"callback_query":{"id":"cb-1","from":{"id":9,"first_name":"Bo"},"message":{"chat":{"id":9}},"data":"opt:a"}}`)
	fx.dispatcher.Handle(ctx, fx.botID, payload)
	waitFor(t, "callback ack", func() bool { return len(fp.sentCopy()) == 1 })

	if got := fp.sentCopy()[0]; got != "ack:cb-1" {
		t.Fatalf("unexpected ack: %q", got)
	}
	conv, err := fx.store.GetConversation(ctx, fx.botID, 9)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	ints, err := fx.store.ListInteractions(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(ints) != 1 || ints[0].Type != storage.InteractionButtonClicked || ints[0].Content != "opt:a" {
		t.Fatalf("unexpected interactions: %+v", ints)
	}
}

func TestHandleSkipsRedelivery(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, true, 0)
	ctx := context.Background()

	payload := messagePayload(42, 7, "hello")
	fx.dispatcher.Handle(ctx, fx.botID, payload)
	fx.dispatcher.Handle(ctx, fx.botID, payload)
	waitFor(t, "first reply", func() bool { return len(fp.sentCopy()) >= 1 })

	// Give a wrongly-accepted duplicate time to surface.
	time.Sleep(50 * time.Millisecond)
	if n := len(fp.sentCopy()); n != 1 {
		t.Fatalf("expected exactly one reply, got %d", n)
	}
}

func TestHandleRateLimitDropsExcess(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, true, 2)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		fx.dispatcher.Handle(ctx, fx.botID, messagePayload(i, 7, fmt.Sprintf("msg %d", i)))
	}
	waitFor(t, "allowed replies", func() bool { return len(fp.sentCopy()) >= 2 })

	time.Sleep(50 * time.Millisecond)
	if n := len(fp.sentCopy()); n != 2 {
		t.Fatalf("expected two replies under the limit, got %d", n)
	}
}

func TestHandleRetriesTransientSendFailure(t *testing.T) {
	fp := &flakyProvider{failSends: 2}
	fx := newFixture(t, fp, false, 0)

	fx.dispatcher.Handle(context.Background(), fx.botID, messagePayload(1, 7, "hello"))
	waitFor(t, "retried reply", func() bool { return len(fp.sentCopy()) == 1 })

	fp.mu.Lock()
	attempts := fp.attempts
	fp.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 send attempts, got %d", attempts)
	}
}

func TestHandleRetryDoesNotDuplicateInteractions(t *testing.T) {
	fp := &flakyProvider{failSends: 1}
	fx := newFixture(t, fp, false, 0)
	ctx := context.Background()

	fx.dispatcher.Handle(ctx, fx.botID, messagePayload(1, 7, "hello"))
	waitFor(t, "retried reply", func() bool { return len(fp.sentCopy()) == 1 })

	conv, err := fx.store.GetConversation(ctx, fx.botID, 7)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	ints, err := fx.store.ListInteractions(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	var received int
	for _, i := range ints {
		if i.Type == storage.InteractionMessageReceived {
			received++
		}
	}
	if received != 1 {
		t.Fatalf("expected exactly one received interaction after retry, got %d (total %d)", received, len(ints))
	}
	if len(ints) != 2 {
		t.Fatalf("expected received+sent only, got %d interactions", len(ints))
	}
}

func TestHandleRedeliveryAcceptedAfterRestart(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, true, 0)
	ctx := context.Background()

	if err := fx.reg.Stop(ctx, fx.botID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	payload := messagePayload(77, 7, "hello")
	fx.dispatcher.Handle(ctx, fx.botID, payload)

	time.Sleep(20 * time.Millisecond)
	if n := len(fp.sentCopy()); n != 0 {
		t.Fatalf("expected drop while stopped, got %d replies", n)
	}

	// The drop must not count as a processed delivery: once the bot is
	// back, the provider's redelivery of the same update goes through.
	if err := fx.reg.Start(ctx, fx.botID); err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.dispatcher.Handle(ctx, fx.botID, payload)
	waitFor(t, "redelivered reply", func() bool { return len(fp.sentCopy()) == 1 })
}

func TestHandleUnknownBot(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)

	fx.dispatcher.Handle(context.Background(), 99999, messagePayload(1, 7, "hello"))

	time.Sleep(20 * time.Millisecond)
	if n := len(fp.sentCopy()); n != 0 {
		t.Fatalf("expected no replies for unknown bot, got %d", n)
	}
}

func TestHandleStoppedBot(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)
	ctx := context.Background()

	if err := fx.reg.Stop(ctx, fx.botID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	fx.dispatcher.Handle(ctx, fx.botID, messagePayload(1, 7, "hello"))

	time.Sleep(20 * time.Millisecond)
	if n := len(fp.sentCopy()); n != 0 {
		t.Fatalf("expected no replies for stopped bot, got %d", n)
	}
	if _, err := fx.reg.Resolve(ctx, fx.botID); !errors.Is(err, registry.ErrInactive) {
		t.Fatalf("expected bot to stay inactive, got %v", err)
	}
}

func TestHandlePreservesPerSenderOrder(t *testing.T) {
	fp := &flakyProvider{}
	fx := newFixture(t, fp, false, 0)
	ctx := context.Background()

	const n = 20
	for i := int64(1); i <= n; i++ {
		fx.dispatcher.Handle(ctx, fx.botID, messagePayload(i, 7, fmt.Sprintf("msg %d", i)))
	}
	waitFor(t, "all replies", func() bool { return len(fp.sentCopy()) == n })

	for i, got := range fp.sentCopy() {
		want := fmt.Sprintf("You said: msg %d", i+1)
		if got != want {
			t.Fatalf("reply %d out of order: got %q, want %q", i, got, want)
		}
	}
}

func TestParseUpdateShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		ok      bool
		kind    registry.UpdateKind
	}{
		{"start", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/start"}}`, true, registry.UpdateSessionStart},
		{"start with deep link", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/start ref123"}}`, true, registry.UpdateSessionStart},
		{"start with bot suffix", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/start@demo_bot"}}`, true, registry.UpdateSessionStart},
		{"startish command is text", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/startling"}}`, true, registry.UpdateText},
		{"plain text", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"hi"}}`, true, registry.UpdateText},
		{"callback", `{"update_id":1,"callback_query":{"id":"c","from":{"id":1},"data":"d"}}`, true, registry.UpdateCallback},
		{"message without text", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1}}}`, false, ""},
		{"message without sender", `{"update_id":1,"message":{"chat":{"id":1},"text":"hi"}}`, false, ""},
		{"edited message", `{"update_id":1,"edited_message":{"from":{"id":1},"text":"hi"}}`, false, ""},
		{"garbage", `{"update_id":`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, ok := parseUpdate([]byte(tc.payload))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && u.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", u.Kind, tc.kind)
			}
		})
	}
}
