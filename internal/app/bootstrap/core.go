package bootstrap

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/waha-bridge/internal/audit"
	appconfig "github.com/wolfman30/waha-bridge/internal/config"
	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/internal/threadfeed"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// CoreDeps are the infrastructure handles the reconciliation core is built on.
type CoreDeps struct {
	Config    *appconfig.Config
	Logger    *logging.Logger
	Repo      messaging.Repository
	Processed *events.ProcessedStore
	Redis     *redis.Client
	Blobs     messaging.BlobStore
	Media     messaging.MediaScheduler
	Audit     *audit.Service
	Metrics   *observemetrics.MessagingMetrics
	Gateways  messaging.GatewayFactory
}

// Core is the assembled reconciliation core shared by the API and workers.
type Core struct {
	Repo          messaging.Repository
	Processed     *events.ProcessedStore
	Gateways      messaging.GatewayFactory
	Identities    *messaging.IdentityResolver
	Conversations *messaging.ConversationResolver
	Reconciler    *messaging.Reconciler
	Status        *messaging.StatusTracker
	Accounts      *messaging.AccountStatusService
	Attacher      *messaging.MediaAttacher
	Hub           *threadfeed.Hub
	RedisFeed     *threadfeed.RedisFeed
	Feed          messaging.ThreadFeed
	Audit         *audit.Service
	Metrics       *observemetrics.MessagingMetrics
}

// BuildGatewayFactory returns cached per-account WAHA gateways using the
// configured defaults for accounts that carry no base URL or key.
func BuildGatewayFactory(cfg *appconfig.Config, logger *logging.Logger) *messaging.CachingGatewayFactory {
	return messaging.NewWAHAGatewayFactory(messaging.WAHAGatewayDefaults{
		BaseURL: cfg.WAHABaseURL,
		APIKey:  cfg.WAHAAPIKey,
		Config: wahaclient.Config{
			Timeout:    cfg.WAHATimeout,
			MaxRetries: cfg.WAHAMaxRetries,
			Backoff:    cfg.WAHARetryBackoff,
		},
		Logger: logger,
	})
}

// BuildCore wires resolvers, reconciler, status tracking and the thread feed.
func BuildCore(deps CoreDeps) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := deps.Config
	gateways := deps.Gateways
	if gateways == nil {
		gateways = BuildGatewayFactory(cfg, logger)
	}

	redisFeed := threadfeed.NewRedisFeed(deps.Redis).
		WithRetention(cfg.ThreadFeedTTL, int64(cfg.ThreadFeedMaxEntries))
	var history threadfeed.History
	if redisFeed != nil {
		history = redisFeed
	}
	hub := threadfeed.NewHub(history, logger.Component("threadfeed"))

	// With Redis the hub is fed from the pub/sub subscription so every
	// instance sees every update; without it the hub is published to directly.
	var feed messaging.ThreadFeed = hub
	if redisFeed != nil {
		feed = redisFeed
	}

	identities := messaging.NewIdentityResolver(deps.Repo, gateways, deps.Blobs, logger.Component("identity"))
	conversations := messaging.NewConversationResolver(deps.Repo, gateways, identities, cfg.SystemParticipantID, logger.Component("conversation"))

	opts := []messaging.ReconcilerOption{
		messaging.WithThreadFeed(feed),
		messaging.WithMetrics(deps.Metrics),
	}
	if deps.Media != nil {
		opts = append(opts, messaging.WithMediaScheduler(deps.Media))
	}
	if deps.Audit != nil {
		opts = append(opts, messaging.WithAuditRecorder(deps.Audit))
	}
	reconciler := messaging.NewReconciler(deps.Repo, gateways, identities, conversations, logger.Component("reconciler"), opts...)

	return &Core{
		Repo:          deps.Repo,
		Processed:     deps.Processed,
		Gateways:      gateways,
		Identities:    identities,
		Conversations: conversations,
		Reconciler:    reconciler,
		Status:        messaging.NewStatusTracker(deps.Repo, feed, deps.Metrics, logger.Component("status")),
		Accounts:      messaging.NewAccountStatusService(deps.Repo, logger.Component("accounts")),
		Attacher:      messaging.NewMediaAttacher(deps.Repo, gateways, deps.Blobs, logger.Component("media")),
		Hub:           hub,
		RedisFeed:     redisFeed,
		Feed:          feed,
		Audit:         deps.Audit,
		Metrics:       deps.Metrics,
	}
}

// RunFeedRelay forwards updates from the shared Redis channel to this
// instance's websocket viewers until ctx is done.
func (c *Core) RunFeedRelay(ctx context.Context, logger *logging.Logger) {
	if c.RedisFeed == nil {
		return
	}
	for ctx.Err() == nil {
		if err := c.RedisFeed.Subscribe(ctx, c.Hub.Broadcast); err != nil {
			logger.Warn("thread feed relay interrupted", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
}
