package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/crypto"
	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/queue"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

// Resolver yields the runtime for a bot id. *registry.Registry satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, botID int64) (*registry.BotInstance, error)
}

type Config struct {
	Registry Resolver
	Dedupe   *queue.UpdateDeduplicator
	Limiter  *queue.RateLimiter
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics

	// MaxRetries bounds handler re-execution for transient failures.
	// The provider is never asked to redeliver.
	MaxRetries  int
	BackoffBase time.Duration
	TaskTimeout time.Duration
}

// Dispatcher turns raw webhook payloads into handler runs. It never
// propagates failure back to the provider: every payload is acknowledged
// and anything that cannot be handled after internal retries is dropped
// and accounted for.
type Dispatcher struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "dispatch").Logger(),
		metrics: m,
	}
}

// Handle ingests one webhook delivery for botID. It returns after the
// update is queued (or discarded); handler execution happens on the bot's
// per-sender mailbox.
func (d *Dispatcher) Handle(ctx context.Context, botID int64, payload []byte) {
	d.metrics.UpdatesTotal.Inc()
	log := d.logger.With().Int64("bot_id", botID).Logger()

	u, ok := parseUpdate(payload)
	if !ok {
		log.Debug().Msg("ignoring unsupported update shape")
		return
	}
	log = log.With().Int64("update_id", u.UpdateID).Int64("sender_id", u.Sender.ID).Logger()

	inst, err := d.cfg.Registry.Resolve(ctx, botID)
	if err != nil {
		d.metrics.UpdatesDropped.Inc()
		switch {
		case errors.Is(err, registry.ErrNotFound):
			log.Debug().Msg("update for unknown bot")
		case errors.Is(err, registry.ErrInactive):
			log.Debug().Msg("update for stopped bot")
		default:
			log.Error().Err(err).Msg("failed to resolve bot")
		}
		return
	}

	if d.cfg.Limiter != nil {
		allowed, _, _, err := d.cfg.Limiter.Allow(ctx, botID, u.Sender.ID, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check failed, processing anyway")
		} else if !allowed {
			d.metrics.UpdatesDropped.Inc()
			log.Debug().Msg("sender over rate limit, dropping update")
			return
		}
	}

	// Dedupe last: an update dropped above (stopped bot, over limit) stays
	// unmarked and a provider redelivery can still be accepted once the
	// condition clears.
	if d.cfg.Dedupe != nil {
		first, err := d.cfg.Dedupe.MarkFirst(ctx, botID, u.UpdateID)
		if err != nil {
			// Fail open: a redis hiccup must not drop real traffic.
			log.Warn().Err(err).Msg("dedupe check failed, processing anyway")
		} else if !first {
			d.metrics.UpdatesDuplicate.Inc()
			log.Debug().Msg("skipping redelivered update")
			return
		}
	}

	// One Runner across all attempts: a retry resumes at the failed step
	// instead of repeating interaction writes that already landed.
	runner := inst.NewRunner(u)
	if err := inst.Enqueue(u, func(taskCtx context.Context) {
		d.run(taskCtx, log, runner)
	}); err != nil {
		// Registry shutdown; the mark above makes this drop final for the
		// delivery, which is fine: the process is going away.
		d.metrics.UpdatesDropped.Inc()
		log.Warn().Err(err).Msg("bot shutting down, dropping update")
	}
}

// run executes the handler with bounded retries for transient failures.
// The runner remembers completed steps, so a retry only repeats what
// actually failed.
func (d *Dispatcher) run(ctx context.Context, log zerolog.Logger, runner *registry.Runner) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				d.metrics.UpdatesDropped.Inc()
				log.Warn().Err(ctx.Err()).Msg("giving up on update, context done")
				return
			case <-time.After(backoff):
			}
		}

		taskCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
		err := runner.Run(taskCtx)
		cancel()
		if err == nil {
			d.metrics.UpdatesProcessed.Inc()
			return
		}

		d.metrics.UpdatesFailed.Inc()
		lastErr = err
		if !transient(err) {
			d.metrics.UpdatesDropped.Inc()
			log.Error().Err(err).Msg("dropping update, permanent handler failure")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("handler failed, will retry")
	}
	d.metrics.UpdatesDropped.Inc()
	log.Error().Err(lastErr).Int("attempts", d.cfg.MaxRetries+1).Msg("dropping update, retries exhausted")
}

// transient reports whether retrying the handler could plausibly succeed.
func transient(err error) bool {
	switch {
	case errors.Is(err, provider.ErrInvalidToken),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, crypto.ErrCrypto):
		return false
	}
	return true
}

type payloadUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

type payloadChat struct {
	ID int64 `json:"id"`
}

type payloadMessage struct {
	From *payloadUser `json:"from"`
	Chat payloadChat  `json:"chat"`
	Text string       `json:"text"`
}

type payloadUpdate struct {
	UpdateID int64           `json:"update_id"`
	Message  *payloadMessage `json:"message"`
	Callback *struct {
		ID      string          `json:"id"`
		From    *payloadUser    `json:"from"`
		Message *payloadMessage `json:"message"`
		Data    string          `json:"data"`
	} `json:"callback_query"`
}

// parseUpdate maps a raw provider payload onto the three update kinds the
// runtime handles. Anything else (edits, channel posts, media without
// text) reports false and is acknowledged without processing.
func parseUpdate(payload []byte) (registry.Update, bool) {
	var raw payloadUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		return registry.Update{}, false
	}

	switch {
	case raw.Callback != nil && raw.Callback.From != nil:
		u := registry.Update{
			Kind:         registry.UpdateCallback,
			UpdateID:     raw.UpdateID,
			Sender:       profile(raw.Callback.From),
			CallbackID:   raw.Callback.ID,
			CallbackData: raw.Callback.Data,
		}
		if raw.Callback.Message != nil {
			u.ChatID = raw.Callback.Message.Chat.ID
		}
		return u, true

	case raw.Message != nil && raw.Message.From != nil && raw.Message.Text != "":
		kind := registry.UpdateText
		if isStartCommand(raw.Message.Text) {
			kind = registry.UpdateSessionStart
		}
		return registry.Update{
			Kind:     kind,
			UpdateID: raw.UpdateID,
			Sender:   profile(raw.Message.From),
			ChatID:   raw.Message.Chat.ID,
			Text:     raw.Message.Text,
		}, true
	}
	return registry.Update{}, false
}

// isStartCommand matches /start with optional deep-link payload and
// optional @botname suffix.
func isStartCommand(text string) bool {
	if !strings.HasPrefix(text, "/start") {
		return false
	}
	rest := text[len("/start"):]
	return rest == "" || rest[0] == ' ' || rest[0] == '@'
}

func profile(u *payloadUser) registry.Profile {
	return registry.Profile{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
	}
}
