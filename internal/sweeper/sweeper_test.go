package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
	"github.com/qrhealth/consent-core/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func entry(a model.Action) model.AuditEntry {
	return model.NewAudit(model.Actor{ID: "doc-1", Role: model.RoleDoctor}, a, "HID-1234-5678", t0)
}

func pending(t *testing.T, s *memory.Store, doctorID string) model.Grant {
	t.Helper()
	g := model.Grant{
		ID: uuid.Must(uuid.NewV7()), DoctorID: doctorID, PatientID: "HID-1234-5678",
		Status: model.StatusPending, Scope: model.DefaultScope, RequestedAt: t0,
	}
	require.NoError(t, s.Grants().CreatePending(context.Background(), g, entry(model.ActionRequestAccess).ForGrant(g.ID)))
	return g
}

func challenge(t *testing.T, s *memory.Store, g model.Grant, ttl time.Duration) {
	t.Helper()
	require.NoError(t, s.Challenges().Create(context.Background(), model.Challenge{
		ID: uuid.Must(uuid.NewV7()), GrantID: g.ID, CodeHash: []byte("h"), Salt: []byte("s"),
		IssuedAt: t0, ExpiresAt: t0.Add(ttl), AttemptsRemaining: 5,
	}, entry(model.ActionOTPIssued).ForGrant(g.ID)))
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	active := pending(t, s, "doc-1")
	_, err := s.Grants().Promote(ctx, active.ID, t0, 30*time.Minute, entry(model.ActionGrantActivated))
	require.NoError(t, err)

	live := pending(t, s, "doc-2")
	challenge(t, s, live, time.Hour)

	dead := pending(t, s, "doc-3")
	challenge(t, s, dead, 5*time.Minute)

	orphan := pending(t, s, "doc-4")

	// consumed but not yet promoted: left for the promotion in flight
	inflight := pending(t, s, "doc-5")
	challenge(t, s, inflight, time.Hour)
	_, err = s.Challenges().Attempt(ctx, inflight.ID, []byte("h"), t0, entry(model.ActionOTPFailed))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sw := New(s.Grants(), Config{Interval: time.Minute, Batch: 10}, zaptest.NewLogger(t), WithMetrics(metrics.New(reg)))
	sw.now = func() time.Time { return t0.Add(31 * time.Minute) }

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 1, Denied: 2}, res)

	status := func(id uuid.UUID) model.Status {
		g, err := s.Grants().Get(ctx, id)
		require.NoError(t, err)
		return g.Status
	}
	require.Equal(t, model.StatusExpired, status(active.ID))
	require.Equal(t, model.StatusPending, status(live.ID))
	require.Equal(t, model.StatusDenied, status(dead.ID))
	require.Equal(t, model.StatusDenied, status(orphan.ID))
	require.Equal(t, model.StatusPending, status(inflight.ID))

	// second pass finds nothing
	res, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

// racingGrants reports every grant as already handled elsewhere.
type racingGrants struct {
	repository.GrantRepository
	due []model.Grant
}

func (r racingGrants) ListDue(context.Context, time.Time, int) ([]model.Grant, error) {
	return r.due, nil
}

func (r racingGrants) ListStalePending(context.Context, time.Time, int) ([]model.Grant, error) {
	return r.due, nil
}

func (racingGrants) ExpireIfDue(context.Context, uuid.UUID, time.Time, model.AuditEntry) (model.Grant, error) {
	return model.Grant{}, errs.ErrInvalidState
}

func (racingGrants) Deny(context.Context, uuid.UUID, string, time.Time, model.AuditEntry) (model.Grant, error) {
	return model.Grant{}, errs.Storage("grants.deny", errors.New("conn reset"))
}

func TestRunOnce_LostRacesAndFailures(t *testing.T) {
	g := model.Grant{ID: uuid.Must(uuid.NewV7())}
	pruned := false
	sw := New(racingGrants{due: []model.Grant{g}}, Config{}, zaptest.NewLogger(t),
		WithPrune(func(context.Context) error { pruned = true; return nil }))

	res, err := sw.RunOnce(context.Background())
	require.ErrorIs(t, err, errs.ErrStorage)
	require.Equal(t, 0, res.Expired)
	require.True(t, pruned)
}

func TestRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	a, err := NewRedisLease(c, "consent:sweep")
	require.NoError(t, err)
	b, err := NewRedisLease(c, "consent:sweep")
	require.NoError(t, err)

	ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunOnce_SkipsWithoutLease(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, mr.Set("consent:sweep", "someone-else"))

	lease, err := NewRedisLease(c, "consent:sweep")
	require.NoError(t, err)
	sw := New(racingGrants{}, Config{}, zaptest.NewLogger(t), WithLease(lease))

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRun_StopsOnCancel(t *testing.T) {
	sw := New(memory.New().Grants(), Config{Interval: time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
