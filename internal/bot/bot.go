package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nefrit/internal/config"
	"nefrit/internal/service"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Exporter uploads database exports and returns a download link.
type Exporter interface {
	Enabled() bool
	Export(ctx context.Context, data []byte, ttl time.Duration) (string, error)
}

type state int

const (
	stateIdle state = iota
	stateWaitingKey
)

const (
	keyAttemptsPerMinute = 5
	updateTimeout        = 30 * time.Second
	exportLinkTTL        = time.Hour
	maxInFlightUpdates   = 16
	limiterIdle          = 10 * time.Minute
)

type attemptLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// Bot is the Telegram front end of the master node.
type Bot struct {
	api    API
	svc    service.SubscriptionService
	backup Exporter
	cfg    config.BotConfig
	log    *zap.Logger

	mu        sync.Mutex
	states    map[int64]state
	limiters  map[int64]*attemptLimiter
	lastSweep time.Time
	now       func() time.Time
}

// New creates a bot. backup may be nil.
func New(api API, svc service.SubscriptionService, backup Exporter, cfg config.BotConfig, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		api:      api,
		svc:      svc,
		backup:   backup,
		cfg:      cfg,
		log:      log.With(zap.String("component", "bot")),
		states:   make(map[int64]state),
		limiters: make(map[int64]*attemptLimiter),
		now:      time.Now,
	}
}

// Run long-polls Telegram until ctx is done. Updates are handled
// concurrently, at most maxInFlightUpdates at a time; Run waits for the
// in-flight ones before returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	b.log.Info("bot polling started")

	var g errgroup.Group
	g.SetLimit(maxInFlightUpdates)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.log.Info("bot polling stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
				defer cancel()
				b.HandleUpdate(uctx, upd)
				return nil
			})
		}
	}
}

// HandleUpdate dispatches one update. Errors are logged; the bot keeps polling.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	var err error
	switch {
	case upd.CallbackQuery != nil:
		err = b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		err = b.handleMessage(ctx, upd.Message)
	default:
		return
	}
	if err != nil {
		b.log.Error("update handling failed", zap.Int("update_id", upd.UpdateID), zap.Error(err))
	}
}

func (b *Bot) isAdmin(u *tgbotapi.User) bool {
	return u != nil && u.UserName != "" && strings.EqualFold(u.UserName, b.cfg.AdminUsername)
}

func (b *Bot) setState(userID int64, s state) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == stateIdle {
		delete(b.states, userID)
		return
	}
	b.states[userID] = s
}

func (b *Bot) stateOf(userID int64) state {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[userID]
}

// allowAttempt limits key redemptions per user. Limiters idle for
// limiterIdle are refilled anyway, so they are dropped.
func (b *Bot) allowAttempt(userID int64) bool {
	now := b.now()
	b.mu.Lock()
	if now.Sub(b.lastSweep) >= limiterIdle {
		for id, l := range b.limiters {
			if now.Sub(l.lastSeen) >= limiterIdle {
				delete(b.limiters, id)
			}
		}
		b.lastSweep = now
	}
	l, ok := b.limiters[userID]
	if !ok {
		l = &attemptLimiter{Limiter: rate.NewLimiter(rate.Every(time.Minute/keyAttemptsPerMinute), keyAttemptsPerMinute)}
		b.limiters[userID] = l
	}
	l.lastSeen = now
	b.mu.Unlock()
	return l.AllowN(now, 1)
}
