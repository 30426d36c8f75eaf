// Package sweeper closes due ACTIVE grants and stale PENDING grants in the
// background, so list views show terminal states without waiting for a read.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/notify"
	"github.com/qrhealth/consent-core/internal/repository"
)

// Config holds the sweep cadence.
type Config struct {
	Interval time.Duration
	Batch    int
}

// Result counts the grants closed by one pass.
type Result struct {
	Expired int
	Denied  int
	Skipped bool // another replica holds the lease
}

// Sweeper runs guarded transitions over due and stale grants.
type Sweeper struct {
	grants  repository.GrantRepository
	lease   Lease
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	sender  notify.Sender
	prune   func(ctx context.Context) error
	now     func() time.Time
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithLease restricts each interval to the lease holder.
func WithLease(l Lease) Option { return func(s *Sweeper) { s.lease = l } }

// WithMetrics counts swept grants.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithSender announces expiries.
func WithSender(n notify.Sender) Option { return func(s *Sweeper) { s.sender = n } }

// WithPrune runs fn after every pass, e.g. to drop old limiter windows.
func WithPrune(fn func(ctx context.Context) error) Option { return func(s *Sweeper) { s.prune = fn } }

// New constructs a Sweeper.
func New(grants repository.GrantRepository, cfg Config, log *zap.Logger, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	s := &Sweeper{
		grants: grants,
		lease:  Always{},
		cfg:    cfg,
		log:    log,
		sender: notify.Nop{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if res.Expired+res.Denied > 0 {
				s.log.Info("sweep done", zap.Int("expired", res.Expired), zap.Int("denied", res.Denied))
			}
		}
	}
}

// RunOnce performs one pass. Transitions lost to a concurrent lookup or
// verify surface as InvalidState and are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ok, err := s.lease.Acquire(ctx, s.cfg.Interval)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		s.log.Debug("sweep lease held elsewhere")
		return Result{Skipped: true}, nil
	}

	now := s.now().UTC()
	var res Result
	var failed []error

	due, err := s.grants.ListDue(ctx, now, s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, g := range due {
		audit := model.NewAudit(model.SystemActor, model.ActionGrantExpired, g.PatientID, now).ForGrant(g.ID)
		exp, err := s.grants.ExpireIfDue(ctx, g.ID, now, audit)
		switch {
		case err == nil:
			res.Expired++
			s.announce(ctx, exp, now)
		case !errors.Is(err, errs.ErrInvalidState):
			failed = append(failed, err)
		}
	}

	stale, err := s.grants.ListStalePending(ctx, now, s.cfg.Batch)
	if err != nil {
		return res, errors.Join(append(failed, err)...)
	}
	for _, g := range stale {
		audit := model.NewAudit(model.SystemActor, model.ActionGrantDenied, g.PatientID, now).
			ForGrant(g.ID).
			With(model.ActionGrantDenied, "reason=stale")
		_, err := s.grants.Deny(ctx, g.ID, model.SystemActor.ID, now, audit)
		switch {
		case err == nil:
			res.Denied++
		case !errors.Is(err, errs.ErrInvalidState):
			failed = append(failed, err)
		}
	}
	s.metrics.Swept(res.Expired, res.Denied)

	if s.prune != nil {
		if err := s.prune(ctx); err != nil {
			s.log.Warn("prune failed", zap.Error(err))
		}
	}
	return res, errors.Join(failed...)
}

func (s *Sweeper) announce(ctx context.Context, g model.Grant, now time.Time) {
	ev := notify.Event{
		Kind:      notify.EventGrantExpired,
		GrantID:   g.ID.String(),
		DoctorID:  g.DoctorID,
		PatientID: g.PatientID,
		ExpiresAt: g.ExpiresAt,
		At:        now,
	}
	if err := s.sender.SendGrantEvent(ctx, ev); err != nil {
		s.log.Warn("grant event not queued", zap.String("grant_id", ev.GrantID), zap.Error(err))
	}
}
