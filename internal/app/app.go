// Package app assembles the settlement service from configuration. Both
// binaries build the same graph so the HTTP service and the job runner agree on
// gateways, hooks and leases.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"settlement-api/internal/affiliate"
	"settlement-api/internal/api"
	"settlement-api/internal/config"
	"settlement-api/internal/database"
	"settlement-api/internal/fulfillment"
	"settlement-api/internal/gateway"
	"settlement-api/internal/gateway/hostedpay"
	"settlement-api/internal/gateway/internalpay"
	"settlement-api/internal/gateway/paypal"
	"settlement-api/internal/gateway/stripe"
	"settlement-api/internal/ipn"
	"settlement-api/internal/ledger"
	"settlement-api/internal/middleware"
	"settlement-api/internal/notify"
	"settlement-api/internal/orders"
	"settlement-api/internal/services"
	"settlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App is the wired service.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Orders    *orders.Service
	Ledger    *ledger.Ledger
	Registry  *gateway.Registry
	Notifier  *notify.Notifier
	Processor *ipn.Processor
	Jobs      *services.Jobs
	Locker    services.Locker
	Throttle  *middleware.Throttle
	Handler   *api.Handler
}

// Build opens the stores named in cfg, migrates and seeds, and wires everything.
func Build(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := database.SeedOrderStatuses(db); err != nil {
		return nil, err
	}

	rdb, err := database.OpenRedis(cfg)
	if err != nil {
		// leases fall back to this process only
		logging.Warnf("Redis unavailable, job leases are process-local: %v", err)
		rdb = nil
	}

	a, err := BuildWith(cfg, db, rdb)
	if err != nil {
		database.Close(db, rdb)
		return nil, err
	}
	return a, nil
}

// BuildWith wires the service on already opened stores. rdb may be nil.
func BuildWith(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*App, error) {
	catalog, err := orders.LoadCatalog(context.Background(), db)
	if err != nil {
		return nil, fmt.Errorf("failed to load order statuses: %w", err)
	}

	referrals := affiliate.NewReferrals(db, cfg.ReferralSecret, cfg.ReferralWindow)
	svc := orders.NewService(db, catalog, referrals)
	pipeline := fulfillment.NewPipeline()
	svc.AddHook(pipeline)
	svc.AddHook(affiliate.NewEngine(catalog))

	registry, err := BuildRegistry(cfg, svc)
	if err != nil {
		return nil, err
	}

	notifier := buildNotifier(cfg)
	lg := ledger.New(db)
	processor := ipn.NewProcessor(ipn.Deps{
		Registry:    registry,
		Orders:      svc,
		Ledger:      lg,
		Fulfillment: pipeline,
		Notifier:    notifier,
		Timeout:     cfg.GatewayTimeout,
	})

	var locker services.Locker
	if rdb != nil {
		locker = services.NewRedisLocker(rdb)
	} else {
		locker = services.NewLocalLocker()
	}

	batcher := affiliate.NewBatcher(db, catalog, affiliate.BatchOptions{
		MinPayout: cfg.MinPayout,
		Currency:  cfg.PayoutCurrency,
		Delay:     daysToDuration(cfg.PayoutDelayDays),
	})
	jobs := services.NewJobs(locker, batcher, affiliate.NewDispatcher(db, registry), svc, cfg.JobLeaseTTL, cfg.ArchiveAfter)
	throttle := middleware.NewThrottle(float64(cfg.NotificationRPS), cfg.NotificationBurst)

	return &App{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Orders:    svc,
		Ledger:    lg,
		Registry:  registry,
		Notifier:  notifier,
		Processor: processor,
		Jobs:      jobs,
		Locker:    locker,
		Throttle:  throttle,
		Handler: &api.Handler{
			Orders:      svc,
			Registry:    registry,
			Processor:   processor,
			Ledger:      lg,
			Jobs:        jobs,
			Notifier:    notifier,
			AdminAPIKey: cfg.AdminAPIKey,
			Throttle:    throttle,
		},
	}, nil
}

// BuildRegistry registers one adapter per enabled gateway block. The internal
// zero-balance gateway is always present.
func BuildRegistry(cfg *config.Config, lookup internalpay.OrderLookup) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	haveInternal := false

	for _, gc := range cfg.Gateways {
		if !gc.Enabled {
			logging.Infof("Gateway %s is disabled", gc.ID)
			continue
		}
		if gc.Timeout == 0 {
			gc.Timeout = cfg.GatewayTimeout
		}
		gc.EnvelopeKey = cfg.EnvelopeSecret

		var adapter gateway.Adapter
		var err error
		switch strings.ToLower(gc.ID) {
		case paypal.ID:
			adapter, err = paypal.New(gc, cfg.PublicBaseURL)
		case stripe.ID:
			adapter, err = stripe.New(gc)
		case hostedpay.ID:
			adapter, err = hostedpay.New(gc, cfg.PublicBaseURL)
		case internalpay.ID:
			adapter = internalpay.New(gc, lookup)
			haveInternal = true
		default:
			return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownGateway, gc.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to configure gateway %s: %w", gc.ID, err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
		logging.Infof("Gateway %s registered (sandbox: %v)", gc.ID, gc.Sandbox)
	}

	if !haveInternal {
		err := registry.Register(internalpay.New(config.GatewayConfig{
			ID:           internalpay.ID,
			Enabled:      true,
			Capabilities: []string{gateway.CapabilityCheckout},
		}, lookup))
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildNotifier(cfg *config.Config) *notify.Notifier {
	var senders []notify.Sender
	if w := notify.NewWebhookSender(cfg.StatusWebhookURL, cfg.StatusWebhookSecret); w != nil {
		senders = append(senders, w)
	}
	if cfg.BrevoAPIKey != "" {
		mailer := notify.NewBrevoMailer(cfg.BrevoAPIKey)
		if e := notify.NewEmailSender(mailer, cfg.BrevoFromEmail, cfg.BrevoFromName, cfg.AdminEmail); e != nil {
			senders = append(senders, e)
		}
	}
	if len(senders) == 0 {
		logging.Warnf("No notification senders configured, order events are only logged")
	}
	return notify.NewNotifier(senders...)
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Close waits for in-flight notifications and releases the stores.
func (a *App) Close() {
	if a.Throttle != nil {
		a.Throttle.Stop()
	}
	if l, ok := a.Locker.(*services.LocalLocker); ok {
		l.Stop()
	}
	a.Notifier.Wait()
	database.Close(a.DB, a.Redis)
}
