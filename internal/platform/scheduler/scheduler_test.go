package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/panacare/api/internal/platform/lock"
)

func TestScheduler_RunNow(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	var runs int32
	if err := s.Add(Job{Name: "sweep", Schedule: "0 1 * * *", Run: func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.RunNow(context.Background(), "sweep"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RunNow(context.Background(), "sweep"); err != nil {
		t.Fatalf("expected lock to be released after the first run, got %v", err)
	}
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestScheduler_RunNow_Unknown(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	s := New(locker, zerolog.Nop())
	ran := false
	s.Add(Job{Name: "sync", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})

	unlock, err := locker.TryLock(context.Background(), "job:sync", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock(context.Background())

	if err := s.RunNow(context.Background(), "sync"); !errors.Is(err, lock.ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}
	if ran {
		t.Error("expected job not to run while another holder has the lock")
	}
}

type brokenLocker struct{ err error }

func (b brokenLocker) TryLock(context.Context, string, time.Duration) (lock.Unlock, error) {
	return nil, b.err
}

func TestScheduler_LockFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	down := errors.New("acquire lock job:sweep: dial tcp 127.0.0.1:6379: connect: connection refused")
	s := New(brokenLocker{err: down}, zerolog.New(&buf))
	ran := false
	s.Add(Job{Name: "sweep", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})

	if err := s.RunNow(context.Background(), "sweep"); !errors.Is(err, down) {
		t.Fatalf("expected lock error, got %v", err)
	}
	if ran {
		t.Error("expected job not to run without the lock")
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "job lock failed") {
		t.Errorf("expected lock failure logged at error level, got %s", out)
	}
}

func TestScheduler_RunErrorReturned(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	boom := errors.New("gateway down")
	s.Add(Job{Name: "sync", Run: func(ctx context.Context) error { return boom }})

	if err := s.RunNow(context.Background(), "sync"); !errors.Is(err, boom) {
		t.Errorf("expected job error, got %v", err)
	}
}

func TestScheduler_RunHasDeadline(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	var deadline time.Time
	s.Add(Job{Name: "reminders", Timeout: time.Minute, Run: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}})

	s.RunNow(context.Background(), "reminders")
	if deadline.IsZero() {
		t.Fatal("expected run context to carry a deadline")
	}
	if until := time.Until(deadline); until > time.Minute {
		t.Errorf("expected deadline within a minute, got %s", until)
	}
}

func TestScheduler_Add_Validation(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.Add(Job{Name: "bad", Schedule: "every day", Run: noop}); err == nil {
		t.Error("expected error for an invalid cron expression")
	}
	if err := s.Add(Job{Name: "", Run: noop}); err == nil {
		t.Error("expected error for a job without a name")
	}
	if err := s.Add(Job{Name: "sweep", Run: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Add(Job{Name: "sweep", Run: noop}); err == nil {
		t.Error("expected error for a duplicate job")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(lock.NewLocalLocker(), zerolog.Nop())
	s.Add(Job{Name: "sweep", Schedule: "0 1 * * *", Run: func(ctx context.Context) error { return nil }})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("expected clean stop, got %v", err)
	}
}
