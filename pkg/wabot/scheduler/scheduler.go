// Package scheduler runs the bot's housekeeping on cron schedules: the
// daily vitality message to the operator's own chat and the periodic
// rotation that drops old messages and expired sessions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// Job names.
const (
	JobVitality = "vitality"
	JobRotation = "rotation"
)

// jobTimeout bounds a single job run.
const jobTimeout = 2 * time.Minute

// Store is the part of the message store the jobs use.
type Store interface {
	CleanupOldMessages(ctx context.Context, retentionDays int) (int64, error)
	SetStateTime(ctx context.Context, key string, t time.Time) error
}

// SessionPruner deletes expired sessions.
type SessionPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// Scheduler owns the cron entries of the housekeeping jobs.
type Scheduler struct {
	store    Store
	sessions SessionPruner
	sender   channels.Sender
	logger   *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	cfg     *config.Config
	ids     map[string]cron.EntryID
	running map[string]bool

	// Vitality controls whether the vitality job is scheduled at all,
	// independently of the configuration.
	vitality bool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New creates a scheduler. Jobs are registered by Configure.
func New(store Store, sessions SessionPruner, sender channels.Sender, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		sessions: sessions,
		sender:   sender,
		logger:   logger.With("component", "scheduler"),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		ids:      make(map[string]cron.EntryID),
		running:  make(map[string]bool),
		vitality: true,
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// DisableVitality keeps the vitality job off whatever the configuration
// says.
func (s *Scheduler) DisableVitality() {
	s.mu.Lock()
	s.vitality = false
	if id, ok := s.ids[JobVitality]; ok {
		s.cron.Remove(id)
		delete(s.ids, JobVitality)
	}
	s.mu.Unlock()
}

// VitalitySpec returns the cron spec firing daily at clock ("HH:MM") in tz.
func VitalitySpec(clock, tz string) (string, error) {
	hour, minute, err := session.ParseClock(clock)
	if err != nil {
		return "", err
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour), nil
}

// RotationSpec returns the cron spec firing every hours hours.
func RotationSpec(hours int) string {
	if hours <= 0 {
		hours = 24
	}
	return fmt.Sprintf("@every %dh", hours)
}

// Configure (re)registers the jobs for cfg. It is safe to call while the
// scheduler runs, which is how configuration reloads reach it.
func (s *Scheduler) Configure(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.ids {
		s.cron.Remove(id)
		delete(s.ids, name)
	}
	s.cfg = cfg

	if s.vitality && cfg.Vitality.Enabled {
		spec, err := VitalitySpec(cfg.Vitality.Time, cfg.Vitality.Timezone)
		if err != nil {
			return fmt.Errorf("vitality schedule: %w", err)
		}
		if err := s.add(JobVitality, spec, func(ctx context.Context) error {
			return s.RunVitality(ctx)
		}); err != nil {
			return err
		}
	}

	spec := RotationSpec(cfg.Rotation.CleanupIntervalHours)
	if err := s.add(JobRotation, spec, func(ctx context.Context) error {
		_, _, err := s.RunRotation(ctx)
		return err
	}); err != nil {
		return err
	}

	s.logger.Info("jobs scheduled", "entries", len(s.ids))
	return nil
}

// add registers fn under name. The caller holds s.mu.
func (s *Scheduler) add(name, spec string, fn func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() { s.execute(name, fn) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.ids[name] = id
	s.logger.Debug("job registered", "job", name, "schedule", spec)
	return nil
}

// execute runs a job unless its previous run is still going.
func (s *Scheduler) execute(name string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping", "job", name)
		return
	}
	s.running[name] = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", r)
		}
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err)
		return
	}
	s.logger.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
}

// RunVitality sends the vitality message to the operator's own chat. A
// failed send is returned, not retried.
func (s *Scheduler) RunVitality(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return fmt.Errorf("scheduler not configured")
	}

	now := s.now()
	if loc, err := time.LoadLocation(cfg.Vitality.Timezone); err == nil {
		now = now.In(loc)
	}
	text := fmt.Sprintf("%s\nTimestamp: %s", cfg.Vitality.Message, now.Format(time.DateTime))

	if err := s.sender.Send(ctx, cfg.SelfJID(), text); err != nil {
		return fmt.Errorf("send vitality message: %w", err)
	}
	if err := s.store.SetStateTime(ctx, database.KeyLastVitality, now); err != nil {
		s.logger.Warn("failed to record vitality time", "error", err)
	}
	s.logger.Info("vitality message sent", "to", cfg.SelfJID())
	return nil
}

// RunRotation deletes messages older than the retention window and then
// expired sessions. Both counts are returned.
func (s *Scheduler) RunRotation(ctx context.Context) (messages, sessions int64, err error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return 0, 0, fmt.Errorf("scheduler not configured")
	}

	messages, err = s.store.CleanupOldMessages(ctx, cfg.Rotation.MessagesRetentionDays)
	if err != nil {
		return 0, 0, fmt.Errorf("message rotation: %w", err)
	}
	sessions, err = s.sessions.PruneExpired(ctx)
	if err != nil {
		return messages, 0, fmt.Errorf("session cleanup: %w", err)
	}
	if err := s.store.SetStateTime(ctx, database.KeyLastCleanupRun, s.now()); err != nil {
		s.logger.Warn("failed to record cleanup time", "error", err)
	}

	s.logger.Info("rotation cleanup completed",
		"messages_deleted", messages,
		"sessions_deleted", sessions,
		"retention_days", cfg.Rotation.MessagesRetentionDays,
	)
	return messages, sessions, nil
}

// Entries returns the names of the registered jobs with their next run.
func (s *Scheduler) Entries() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.ids))
	for name, id := range s.ids {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins firing the registered jobs. Runs are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "cron_entries", len(s.cron.Entries()))
}

// Stop halts the scheduler and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}
