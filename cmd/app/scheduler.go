package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/engine"
	"github.com/rankcraft/linkengine/internal/exchange"
	"github.com/rankcraft/linkengine/internal/verify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	sweepUserLimit    = 100
	staleTaskTimeout  = 10 * time.Minute
	listenerMinReconn = 10 * time.Second
	listenerMaxReconn = time.Minute
)

// scheduler drives the engine's periodic work: per-user worker sweeps,
// verification and settlement cycles, and stale-task recovery. Task
// enqueues additionally wake the affected user's sweep through Postgres
// LISTEN/NOTIFY so fresh tasks don't wait for the next tick.
type scheduler struct {
	cron     *cron.Cron
	queue    *db.TaskQueue
	worker   *engine.WorkerCycle
	verifier *verify.Cycle
	exchange *exchange.Service
	connStr  string
	wake     chan string
}

func newScheduler(queue *db.TaskQueue, worker *engine.WorkerCycle, verifier *verify.Cycle, exchangeSvc *exchange.Service, connStr string) *scheduler {
	return &scheduler{
		cron:     cron.New(),
		queue:    queue,
		worker:   worker,
		verifier: verifier,
		exchange: exchangeSvc,
		connStr:  connStr,
		wake:     make(chan string, 64),
	}
}

func (s *scheduler) start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("* * * * *", func() { s.sweepAllUsers(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@hourly", func() { s.runVerification(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 * * * *", func() { s.runSettlement(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", func() { s.recoverStale(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	go s.listen(ctx)
	go s.drainWakes(ctx)

	log.Info().Msg("Scheduler started")
	return nil
}

func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Scheduler stopped")
}

// sweepAllUsers runs the worker cycle for every user with runnable tasks
func (s *scheduler) sweepAllUsers(ctx context.Context) {
	userIDs, err := s.queue.ActiveUserIDs(ctx, sweepUserLimit)
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to list active users")
		return
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		s.sweepUser(ctx, userID)
	}
}

// sweepUser processes one user's queue until quota, pause or emptiness
// stops it. Each Run call handles at most one task.
func (s *scheduler) sweepUser(ctx context.Context, userID string) {
	for {
		result, err := s.worker.Run(ctx, userID)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("user_id", userID).Msg("Worker cycle failed")
			return
		}
		if result == nil {
			return
		}
	}
}

func (s *scheduler) runVerification(ctx context.Context) {
	if _, err := s.verifier.Run(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Verification cycle failed")
	}
}

func (s *scheduler) runSettlement(ctx context.Context) {
	if _, err := s.exchange.SettleLinks(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Exchange settlement failed")
	}
}

func (s *scheduler) recoverStale(ctx context.Context) {
	cfg := s.worker.Config()
	if err := s.queue.RecoverStaleTasks(ctx, staleTaskTimeout, cfg.AttemptCeiling); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Stale task recovery failed")
	}
}

// listen wakes user sweeps as soon as tasks are enqueued
func (s *scheduler) listen(ctx context.Context) {
	listener := pq.NewListener(s.connStr, listenerMinReconn, listenerMaxReconn, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Task listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(db.NotifyChannelNewTasks); err != nil {
		log.Error().Err(err).Msg("Failed to listen for task notifications, falling back to cron only")
		return
	}

	log.Info().Str("channel", db.NotifyChannelNewTasks).Msg("Task listener started")

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection reset, cron sweeps cover the gap
				continue
			}
			select {
			case s.wake <- n.Extra:
			default:
				// Wake queue full, the next cron sweep picks it up
			}
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

func (s *scheduler) drainWakes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-s.wake:
			if userID != "" {
				s.sweepUser(ctx, userID)
			}
		}
	}
}
