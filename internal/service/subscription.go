package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nefrit/internal/cache"
	"nefrit/internal/metrics"
	"nefrit/internal/model"
	"nefrit/internal/repository"
	"nefrit/internal/xray"
)

var (
	ErrKeyNotFound    = errors.New("activation key not found")
	ErrKeyUsed        = errors.New("activation key already used")
	ErrNoSubscription = errors.New("no subscription")
	ErrNotFound       = errors.New("subscription not found")
)

// KeyPrefix starts every activation key.
const KeyPrefix = "NEFRIT-"

// RecentKeysLimit is how many keys the admin listing shows.
const RecentKeysLimit = 15

const subCachePrefix = "sub:"

// ActivationListener is notified after a new subscription was stored.
type ActivationListener func(ctx context.Context, u *model.User) error

// Endpoint is a public VLESS-over-WebSocket entry point.
type Endpoint struct {
	Host   string
	WSPath string
}

// Options configures the subscription service.
type Options struct {
	// Master is the endpoint of the master node itself; its link comes first.
	Master Endpoint
	// Workers are listed after the master link in subscriptions.
	Workers  []Endpoint
	BaseURL  string
	CacheTTL time.Duration
}

// Export is the JSON document produced for backups.
type Export struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Users       []model.User          `json:"users"`
	Keys        []model.ActivationKey `json:"keys"`
}

// SubscriptionService defines the use cases of the master node.
type SubscriptionService interface {
	// CreateKey generates and stores a new activation key.
	CreateKey(ctx context.Context) (string, error)

	// ActivateKey redeems a key for a Telegram user. A user that already has a
	// subscription gets it back and the key stays unused.
	ActivateKey(ctx context.Context, key string, telegramID int64, username string) (*model.User, error)

	// UserInfo returns the subscription of a Telegram user or ErrNoSubscription.
	UserInfo(ctx context.Context, telegramID int64) (*model.User, error)

	Stats(ctx context.Context) (*model.Stats, error)

	// RecentKeys returns the newest RecentKeysLimit keys.
	RecentKeys(ctx context.Context) ([]model.ActivationKey, error)

	// Subscription returns the base64 subscription body for a path or ErrNotFound.
	Subscription(ctx context.Context, path string) (string, error)

	// ActiveUsers lists users whose clients must be present in Xray configs.
	ActiveUsers(ctx context.Context) ([]model.User, error)

	// ActiveUUIDs is ActiveUsers reduced to client ids.
	ActiveUUIDs(ctx context.Context) ([]string, error)

	// Export returns all users and keys as JSON.
	Export(ctx context.Context) ([]byte, error)

	// SubscriptionURL is the public URL of a user's subscription.
	SubscriptionURL(u *model.User) string

	// Link is the direct VLESS link to the master node.
	Link(u *model.User) string

	// OnActivate registers a listener called after every new activation.
	OnActivate(l ActivationListener)
}

type subscriptionService struct {
	users     repository.UserRepository
	keys      repository.KeyRepository
	cache     cache.Cache
	opts      Options
	metrics   *metrics.Metrics
	log       *zap.Logger
	listeners []ActivationListener
	now       func() time.Time
}

// NewSubscriptionService constructs a SubscriptionService. A nil cache disables caching.
func NewSubscriptionService(users repository.UserRepository, keys repository.KeyRepository, c cache.Cache, opts Options, m *metrics.Metrics, log *zap.Logger) SubscriptionService {
	if c == nil {
		c = cache.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &subscriptionService{
		users:   users,
		keys:    keys,
		cache:   c,
		opts:    opts,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

func (s *subscriptionService) OnActivate(l ActivationListener) {
	s.listeners = append(s.listeners, l)
}

func (s *subscriptionService) CreateKey(ctx context.Context) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	if _, err := s.keys.Create(ctx, key); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	s.log.Info("activation key created", zap.String("key", key))
	return key, nil
}

func newKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeKey trims and upper-cases user input.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

func (s *subscriptionService) ActivateKey(ctx context.Context, key string, telegramID int64, username string) (*model.User, error) {
	key = NormalizeKey(key)
	u, err := s.activate(ctx, key, telegramID, username)
	s.countActivation(err)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *subscriptionService) activate(ctx context.Context, key string, telegramID int64, username string) (*model.User, error) {
	k, err := s.keys.Find(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("find key: %w", err)
	}
	if k.Used {
		return nil, ErrKeyUsed
	}

	existing, err := s.users.FindByTelegramID(ctx, telegramID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("find user: %w", err)
	}

	u := &model.User{
		TelegramID: telegramID,
		Username:   username,
		UUID:       uuid.NewString(),
		Path:       "u" + strconv.FormatInt(telegramID, 10),
		CreatedAt:  s.now().UTC(),
		Active:     true,
	}
	stored, err := s.users.CreateWithKey(ctx, u, key)
	if err != nil {
		if errors.Is(err, repository.ErrKeyConsumed) {
			return nil, ErrKeyUsed
		}
		return nil, fmt.Errorf("activate: %w", err)
	}
	s.log.Info("subscription activated",
		zap.Int64("telegram_id", telegramID),
		zap.String("path", stored.Path),
	)

	_ = s.cache.Del(ctx, subCachePrefix+stored.Path)
	for _, l := range s.listeners {
		if err := l(ctx, stored); err != nil {
			s.log.Warn("activation listener failed", zap.String("path", stored.Path), zap.Error(err))
		}
	}
	return stored, nil
}

func (s *subscriptionService) countActivation(err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrKeyNotFound):
		result = "not_found"
	case errors.Is(err, ErrKeyUsed):
		result = "used"
	case err != nil:
		result = "error"
	}
	s.metrics.Activations.WithLabelValues(result).Inc()
}

func (s *subscriptionService) UserInfo(ctx context.Context, telegramID int64) (*model.User, error) {
	u, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	return u, nil
}

func (s *subscriptionService) Stats(ctx context.Context) (*model.Stats, error) {
	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	free, err := s.keys.CountFree(ctx)
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}
	return &model.Stats{Users: users, FreeKeys: free}, nil
}

func (s *subscriptionService) RecentKeys(ctx context.Context) ([]model.ActivationKey, error) {
	return s.keys.List(ctx, RecentKeysLimit)
}

func (s *subscriptionService) Subscription(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", ErrNotFound
	}
	cacheKey := subCachePrefix + path
	if body, err := s.cache.Get(ctx, cacheKey); err == nil {
		return body, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("subscription cache read failed", zap.Error(err))
	}

	u, err := s.users.FindByPath(ctx, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !u.Active {
		return "", ErrNotFound
	}

	links := make([]string, 0, 1+len(s.opts.Workers))
	links = append(links, s.Link(u))
	for _, w := range s.opts.Workers {
		links = append(links, xray.VLESSLink(u.UUID, w.Host, w.WSPath, u.Path+"-"+w.Host))
	}
	body := xray.EncodeSubscription(links...)

	if err := s.cache.Set(ctx, cacheKey, body, s.opts.CacheTTL); err != nil {
		s.log.Warn("subscription cache write failed", zap.Error(err))
	}
	return body, nil
}

func (s *subscriptionService) ActiveUsers(ctx context.Context) ([]model.User, error) {
	return s.users.ListActive(ctx)
}

func (s *subscriptionService) ActiveUUIDs(ctx context.Context) ([]string, error) {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UUID)
	}
	return ids, nil
}

func (s *subscriptionService) Export(ctx context.Context) ([]byte, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	keys, err := s.keys.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	if users == nil {
		users = []model.User{}
	}
	if keys == nil {
		keys = []model.ActivationKey{}
	}
	return json.MarshalIndent(Export{GeneratedAt: s.now().UTC(), Users: users, Keys: keys}, "", "  ")
}

func (s *subscriptionService) SubscriptionURL(u *model.User) string {
	return s.opts.BaseURL + "/sub/" + u.Path
}

func (s *subscriptionService) Link(u *model.User) string {
	return xray.VLESSLink(u.UUID, s.opts.Master.Host, s.opts.Master.WSPath, u.Path)
}
