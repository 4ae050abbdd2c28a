package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/panacare/api/internal/config"
	"github.com/panacare/api/internal/domain/cdss"
	"github.com/panacare/api/internal/domain/subscription"
	"github.com/panacare/api/internal/gateway/pesapal"
	"github.com/panacare/api/internal/platform/db"
	"github.com/panacare/api/internal/platform/lock"
	"github.com/panacare/api/internal/platform/notification"
	"github.com/panacare/api/internal/platform/scheduler"
)

// app holds the dependencies shared by the server and the one-shot commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	rdb        *redis.Client
	gateway    *pesapal.Client
	dispatcher *notification.Dispatcher
	subs       *subscription.Service
	cdss       *cdss.Service
	scheduler  *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	var locker lock.Locker
	if cfg.RedisURL != "" {
		a.rdb, err = lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		locker = lock.NewRedisLocker(a.rdb, "panacare:")
	} else {
		logger.Warn().Msg("REDIS_URL not set; job locks are local to this process")
		locker = lock.NewLocalLocker()
	}

	a.gateway = pesapal.New(pesapal.Config{
		ConsumerKey:    cfg.PesapalConsumerKey,
		ConsumerSecret: cfg.PesapalConsumerSecret,
		Sandbox:        cfg.PesapalSandbox,
		Timeout:        cfg.PesapalTimeout,
	}, logger)

	var sender notification.EmailSender
	if cfg.SendGridAPIKey != "" {
		sender = notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.MailFrom, cfg.MailFromName)
	} else {
		sender = notification.NewLogSender(logger)
	}
	a.dispatcher = notification.NewDispatcher(sender, notification.NewTemplateEngine(), logger)

	a.subs = subscription.NewService(
		subscription.NewPackageRepoPG(pool),
		subscription.NewSubscriptionRepoPG(pool),
		subscription.NewPaymentRepoPG(pool),
		db.NewTxRunner(pool),
		a.gateway,
		subscription.Config{
			Currency:       cfg.Currency,
			CallbackURL:    cfg.PesapalCallbackURL,
			NotificationID: cfg.PesapalIPNID,
		},
		logger,
	)
	a.subs.SetNotifier(a.dispatcher)
	a.subs.SetDirectory(subscription.NewPatientDirectoryPG(pool))

	a.cdss = cdss.NewService(cdss.NewRepoPG(pool), logger)

	a.scheduler = scheduler.New(locker, logger)
	for _, job := range maintenanceJobs(cfg, a.subs) {
		if err := a.scheduler.Add(job); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

// Job names accepted by `jobs run` and used as lock keys.
const (
	jobSweep     = "sweep-expirations"
	jobSync      = "sync-payments"
	jobReminders = "renewal-reminders"
)

// maintenanceJobs returns the periodic subscription jobs. Schedules are left
// empty when the scheduler is disabled so the jobs stay runnable by hand.
func maintenanceJobs(cfg *config.Config, svc *subscription.Service) []scheduler.Job {
	schedule := func(expr string) string {
		if !cfg.SchedulerEnabled {
			return ""
		}
		return expr
	}
	return []scheduler.Job{
		{
			Name:     jobSweep,
			Schedule: schedule(cfg.SweepSchedule),
			Run: func(ctx context.Context) error {
				_, err := svc.SweepExpirations(ctx)
				return err
			},
		},
		{
			Name:     jobSync,
			Schedule: schedule(cfg.SyncSchedule),
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				res, err := svc.SyncPayments(ctx, 0)
				if err != nil {
					return err
				}
				if res.Failed > 0 {
					return fmt.Errorf("%d of %d payments could not be synced", res.Failed, res.Checked)
				}
				return nil
			},
		},
		{
			Name:     jobReminders,
			Schedule: schedule(cfg.ReminderSchedule),
			Run: func(ctx context.Context) error {
				_, err := svc.SendRenewalReminders(ctx, cfg.ReminderDaysAhead)
				return err
			},
		},
	}
}

func (a *app) close() {
	a.dispatcher.Wait()
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	a.pool.Close()
}
