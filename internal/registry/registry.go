package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/crypto"
	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/storage"
)

// Store is what the registry needs from durable storage. *storage.Store
// satisfies it; tests may swap in anything else.
type Store interface {
	CreateBot(ctx context.Context, b storage.Bot) (storage.Bot, error)
	GetBot(ctx context.Context, id int64) (storage.Bot, error)
	ListBotsByUser(ctx context.Context, userID int64) ([]storage.Bot, error)
	ListBots(ctx context.Context) ([]storage.Bot, error)
	UpdateBotCredential(ctx context.Context, id int64, encToken, tokenHash, username, displayName string) error
	UpdateBotEncToken(ctx context.Context, id int64, encToken string) error
	UpdateBotProfile(ctx context.Context, id int64, label, settingsJSON *string) error
	SetBotActive(ctx context.Context, id int64, active bool) error
	DeleteBot(ctx context.Context, id int64) error
	UpsertConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, botID, externalUserID int64) (storage.Conversation, error)
	AppendInteraction(ctx context.Context, i storage.Interaction) error
}

type Config struct {
	Store    Store
	Provider provider.Client
	Vault    *crypto.Manager
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics

	// PublicURL is the externally reachable base the provider calls back on.
	PublicURL string

	// ReRegisterOnResolve controls whether lazy reactivation re-registers
	// the webhook. Provider-side registrations normally survive restarts,
	// so the default leaves them alone.
	ReRegisterOnResolve bool

	MailboxIdle time.Duration
}

// Registry owns every running BotInstance. The id->instance map is the only
// shared mutable state in the core; mutating operations and resolve share a
// per-bot critical section so a lookup can never observe a half-built or
// half-torn-down instance.
type Registry struct {
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	locks     *keyedMutex
	mu        sync.RWMutex
	instances map[int64]*BotInstance
}

func New(cfg Config) *Registry {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Registry{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "registry").Logger(),
		metrics:   m,
		locks:     newKeyedMutex(),
		instances: map[int64]*BotInstance{},
	}
}

// Create validates the raw credential with the provider, persists the bot
// with the credential sealed, registers the webhook and starts an instance.
func (r *Registry) Create(ctx context.Context, userID int64, rawToken, label string) (storage.Bot, error) {
	ident, err := r.validate(ctx, rawToken)
	if err != nil {
		return storage.Bot{}, err
	}

	encToken, err := r.cfg.Vault.MarshalEncryptedString(rawToken)
	if err != nil {
		return storage.Bot{}, fmt.Errorf("seal credential: %w", err)
	}
	if label == "" {
		label = ident.DisplayName
	}

	bot, err := r.cfg.Store.CreateBot(ctx, storage.Bot{
		UserID:       userID,
		EncToken:     encToken,
		TokenHash:    crypto.Fingerprint(rawToken),
		Username:     ident.Username,
		DisplayName:  ident.DisplayName,
		Label:        label,
		Active:       true,
		SettingsJSON: "{}",
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.Bot{}, ErrDuplicateCredential
		}
		return storage.Bot{}, fmt.Errorf("persist bot: %w", err)
	}

	unlock := r.locks.Lock(bot.ID)
	defer unlock()

	if err := r.cfg.Provider.SetWebhook(ctx, rawToken, r.webhookURL(bot.ID)); err != nil {
		// The row must not survive without a registered endpoint.
		if delErr := r.cfg.Store.DeleteBot(ctx, bot.ID); delErr != nil {
			r.logger.Error().Err(delErr).Int64("bot_id", bot.ID).Msg("failed to clean up bot after webhook registration failure")
		}
		return storage.Bot{}, fmt.Errorf("register webhook: %w", err)
	}

	r.put(newInstance(bot, rawToken, r.deps()))
	r.logger.Info().Int64("bot_id", bot.ID).Int64("user_id", userID).Str("bot_username", ident.Username).Msg("bot created")
	return redact(bot), nil
}

// Update changes the label/settings and, when a new credential is supplied,
// revalidates it, re-registers the webhook and swaps the running instance
// inside the per-bot critical section so lookups never see a half-updated
// bot.
func (r *Registry) Update(ctx context.Context, botID int64, newRawToken, newLabel, newSettingsJSON *string) (storage.Bot, error) {
	unlock := r.locks.Lock(botID)
	defer unlock()

	bot, err := r.getBot(ctx, botID)
	if err != nil {
		return storage.Bot{}, err
	}

	if newRawToken != nil {
		ident, err := r.validate(ctx, *newRawToken)
		if err != nil {
			return storage.Bot{}, err
		}
		encToken, err := r.cfg.Vault.MarshalEncryptedString(*newRawToken)
		if err != nil {
			return storage.Bot{}, fmt.Errorf("seal credential: %w", err)
		}
		if err := r.cfg.Store.UpdateBotCredential(ctx, botID, encToken, crypto.Fingerprint(*newRawToken), ident.Username, ident.DisplayName); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return storage.Bot{}, ErrDuplicateCredential
			}
			return storage.Bot{}, fmt.Errorf("update credential: %w", err)
		}
		// A stopped bot has no registered endpoint and must not get one
		// back here; Start registers the webhook when the bot resumes.
		if bot.Active {
			if err := r.cfg.Provider.SetWebhook(ctx, *newRawToken, r.webhookURL(botID)); err != nil {
				return storage.Bot{}, fmt.Errorf("register webhook: %w", err)
			}
		}

		bot, err = r.getBot(ctx, botID)
		if err != nil {
			return storage.Bot{}, err
		}
		if old := r.take(botID); old != nil {
			old.close()
		}
		if bot.Active {
			r.put(newInstance(bot, *newRawToken, r.deps()))
		}
	}

	if newLabel != nil || newSettingsJSON != nil {
		if err := r.cfg.Store.UpdateBotProfile(ctx, botID, newLabel, newSettingsJSON); err != nil {
			return storage.Bot{}, fmt.Errorf("update profile: %w", err)
		}
		bot, err = r.getBot(ctx, botID)
		if err != nil {
			return storage.Bot{}, err
		}
	}

	r.logger.Info().Int64("bot_id", botID).Bool("credential_rotated", newRawToken != nil).Msg("bot updated")
	return redact(bot), nil
}

// Start is idempotent: a bot already running is a no-op.
func (r *Registry) Start(ctx context.Context, botID int64) error {
	unlock := r.locks.Lock(botID)
	defer unlock()

	if r.get(botID) != nil {
		return nil
	}

	bot, err := r.getBot(ctx, botID)
	if err != nil {
		return err
	}
	token, err := r.cfg.Vault.UnmarshalEncryptedString(bot.EncToken)
	if err != nil {
		return fmt.Errorf("unseal credential: %w", err)
	}
	// The stored credential may have been revoked upstream since it was
	// sealed; validate before accepting traffic again.
	if _, err := r.validate(ctx, token); err != nil {
		return err
	}
	if err := r.cfg.Provider.SetWebhook(ctx, token, r.webhookURL(botID)); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	if err := r.cfg.Store.SetBotActive(ctx, botID, true); err != nil {
		return r.mapStoreErr(err)
	}

	r.put(newInstance(bot, token, r.deps()))
	r.logger.Info().Int64("bot_id", botID).Msg("bot started")
	return nil
}

// Stop is idempotent. The webhook is cleared best-effort, the instance is
// removed from the map (new resolves fail immediately) and its mailboxes
// are drained so in-flight handlers finish their writes.
func (r *Registry) Stop(ctx context.Context, botID int64) error {
	unlock := r.locks.Lock(botID)
	defer unlock()

	bot, err := r.getBot(ctx, botID)
	if err != nil {
		return err
	}

	if inst := r.take(botID); inst != nil {
		if err := r.cfg.Provider.ClearWebhook(ctx, inst.token); err != nil {
			r.logger.Warn().Err(err).Int64("bot_id", botID).Msg("failed to clear webhook during stop")
		}
		inst.close()
	} else if bot.Active {
		// Not resident (e.g. after a restart) but still registered
		// provider-side; clear with the stored credential.
		if token, err := r.cfg.Vault.UnmarshalEncryptedString(bot.EncToken); err == nil {
			if err := r.cfg.Provider.ClearWebhook(ctx, token); err != nil {
				r.logger.Warn().Err(err).Int64("bot_id", botID).Msg("failed to clear webhook during stop")
			}
		}
	}

	if err := r.cfg.Store.SetBotActive(ctx, botID, false); err != nil {
		return r.mapStoreErr(err)
	}
	r.logger.Info().Int64("bot_id", botID).Msg("bot stopped")
	return nil
}

// Delete stops the bot and removes the record with everything it owns.
func (r *Registry) Delete(ctx context.Context, botID int64) error {
	if err := r.Stop(ctx, botID); err != nil {
		return err
	}

	unlock := r.locks.Lock(botID)
	defer unlock()
	if err := r.cfg.Store.DeleteBot(ctx, botID); err != nil {
		return r.mapStoreErr(err)
	}
	r.logger.Info().Int64("bot_id", botID).Msg("bot deleted")
	return nil
}

// Resolve returns the running instance for botID, lazily reactivating it
// when the durable record says the bot should be running. The registry is
// memory-only; after a restart this path transparently resumes serving
// already-configured bots on their first inbound update.
func (r *Registry) Resolve(ctx context.Context, botID int64) (*BotInstance, error) {
	// Fast path reads outside the per-bot lock. An instance observed here
	// while Stop runs concurrently is still safe to hand out: Stop removes
	// it from the map before draining, and Enqueue on a draining instance
	// fails instead of accepting work.
	if inst := r.get(botID); inst != nil {
		return inst, nil
	}

	unlock := r.locks.Lock(botID)
	defer unlock()

	if inst := r.get(botID); inst != nil {
		return inst, nil
	}

	bot, err := r.getBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !bot.Active {
		return nil, ErrInactive
	}

	token, err := r.cfg.Vault.UnmarshalEncryptedString(bot.EncToken)
	if err != nil {
		return nil, fmt.Errorf("unseal credential: %w", err)
	}
	if r.cfg.ReRegisterOnResolve {
		if err := r.cfg.Provider.SetWebhook(ctx, token, r.webhookURL(botID)); err != nil {
			// Reactivation can still serve this delivery; re-registration
			// will be retried on the next resolve after the instance ages out.
			r.logger.Warn().Err(err).Int64("bot_id", botID).Msg("failed to re-register webhook on reactivation")
		}
	}

	inst := newInstance(bot, token, r.deps())
	r.put(inst)
	r.logger.Info().Int64("bot_id", botID).Msg("bot reactivated")
	return inst, nil
}

// Get returns the durable record with the credential redacted.
func (r *Registry) Get(ctx context.Context, botID int64) (storage.Bot, error) {
	bot, err := r.getBot(ctx, botID)
	if err != nil {
		return storage.Bot{}, err
	}
	return redact(bot), nil
}

// List returns the caller's bots, credentials redacted.
func (r *Registry) List(ctx context.Context, userID int64) ([]storage.Bot, error) {
	bots, err := r.cfg.Store.ListBotsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	for i := range bots {
		bots[i] = redact(bots[i])
	}
	return bots, nil
}

// RotateCredentials re-seals every stored credential under the vault's
// current key. Bots whose envelope cannot be opened are skipped and
// reported; one bad row must not block the rest.
func (r *Registry) RotateCredentials(ctx context.Context) (rotated int, err error) {
	bots, err := r.cfg.Store.ListBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bots: %w", err)
	}
	for _, bot := range bots {
		unlock := r.locks.Lock(bot.ID)
		fresh, rerr := r.cfg.Vault.ReEncrypt(bot.EncToken)
		if rerr != nil {
			unlock()
			r.logger.Error().Err(rerr).Int64("bot_id", bot.ID).Msg("failed to rotate credential")
			continue
		}
		if uerr := r.cfg.Store.UpdateBotEncToken(ctx, bot.ID, fresh); uerr != nil {
			unlock()
			r.logger.Error().Err(uerr).Int64("bot_id", bot.ID).Msg("failed to store rotated credential")
			continue
		}
		unlock()
		rotated++
	}
	r.logger.Info().Int("rotated", rotated).Int("total", len(bots)).Msg("credential rotation finished")
	return rotated, nil
}

// Close drains every running instance. Durable active flags are left alone:
// a restart reactivates lazily.
func (r *Registry) Close() {
	r.mu.Lock()
	instances := r.instances
	r.instances = map[int64]*BotInstance{}
	r.mu.Unlock()

	for _, inst := range instances {
		inst.close()
		r.metrics.ActiveInstances.Dec()
	}
	r.logger.Info().Int("drained", len(instances)).Msg("registry closed")
}

func (r *Registry) validate(ctx context.Context, rawToken string) (provider.Identity, error) {
	ident, err := r.cfg.Provider.Validate(ctx, rawToken)
	if err != nil {
		// A provider timeout is indistinguishable from a rejection for the
		// caller: the credential could not be confirmed.
		if errors.Is(err, provider.ErrInvalidToken) || errors.Is(err, provider.ErrUnavailable) {
			return provider.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return provider.Identity{}, fmt.Errorf("validate credential: %w", err)
	}
	return ident, nil
}

func (r *Registry) getBot(ctx context.Context, botID int64) (storage.Bot, error) {
	bot, err := r.cfg.Store.GetBot(ctx, botID)
	if err != nil {
		return storage.Bot{}, r.mapStoreErr(err)
	}
	return bot, nil
}

func (r *Registry) mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Registry) get(botID int64) *BotInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[botID]
}

func (r *Registry) put(inst *BotInstance) {
	r.mu.Lock()
	r.instances[inst.botID] = inst
	r.mu.Unlock()
	r.metrics.ActiveInstances.Inc()
}

func (r *Registry) take(botID int64) *BotInstance {
	r.mu.Lock()
	inst := r.instances[botID]
	delete(r.instances, botID)
	r.mu.Unlock()
	if inst != nil {
		r.metrics.ActiveInstances.Dec()
	}
	return inst
}

func (r *Registry) deps() instanceDeps {
	return instanceDeps{
		store:       r.cfg.Store,
		provider:    r.cfg.Provider,
		logger:      r.cfg.Logger,
		metrics:     r.metrics,
		mailboxIdle: r.cfg.MailboxIdle,
	}
}

func (r *Registry) webhookURL(botID int64) string {
	return strings.TrimSuffix(r.cfg.PublicURL, "/") + "/webhooks/telegram/" + strconv.FormatInt(botID, 10)
}

func redact(b storage.Bot) storage.Bot {
	b.EncToken = ""
	b.TokenHash = ""
	return b
}
