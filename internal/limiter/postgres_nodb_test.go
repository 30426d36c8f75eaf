package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakePool emulates the request_limits upsert for a single key.
type fakePool struct {
	start time.Time
	hits  int
	qrErr error

	lastExecSQL  string
	lastExecArgs []any
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	f.lastExecArgs = args
	return pgconn.CommandTag{}, nil
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "RETURNING hits") {
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
	return fakeRow{scan: func(dest ...any) error {
		if f.qrErr != nil {
			return f.qrErr
		}
		start := args[1].(time.Time)
		if f.start.Before(start) {
			f.start, f.hits = start, 1
		} else {
			f.hits++
		}
		*(dest[0].(*int)) = f.hits
		return nil
	}}
}

func TestPG_Allow_WindowAndReset(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 2, time.Hour)
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "doc-1")
		if err != nil || !ok {
			t.Fatalf("Allow #%d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := l.Allow(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatalf("third request in window must be rejected")
	}
	if retry != 45*time.Minute {
		t.Fatalf("retry=%v, want 45m", retry)
	}

	now = now.Add(time.Hour)
	ok, _, err = l.Allow(ctx, "doc-1")
	if err != nil || !ok {
		t.Fatalf("new window must allow: ok=%v err=%v", ok, err)
	}
}

func TestPG_Allow_Error(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("db down")}
	l := NewPG(fp, 2, time.Hour)
	if _, _, err := l.Allow(context.Background(), "doc-1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPG_Prune(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 2, time.Hour)
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DELETE FROM request_limits") {
		t.Fatalf("unexpected SQL: %s", fp.lastExecSQL)
	}
	if got := fp.lastExecArgs[0].(time.Time); !got.Equal(now.Truncate(time.Hour)) {
		t.Fatalf("cutoff=%v", got)
	}
}

func TestNop(t *testing.T) {
	ok, _, err := Nop{}.Allow(context.Background(), "x")
	if !ok || err != nil {
		t.Fatalf("Nop must allow")
	}
}
