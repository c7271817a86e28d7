package sessionguard_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/sessionguard"

	"github.com/go-faster/errors"
)

func newGuard(t *testing.T) *sessionguard.Guard {
	t.Helper()
	dir := t.TempDir()
	return sessionguard.New(filepath.Join(dir, "session.lock"), filepath.Join(dir, "workers"))
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	s, err := g.Acquire(context.Background(), time.Second, "fetch")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if s.Purpose() != "fetch" {
		t.Fatalf("purpose = %q, want fetch", s.Purpose())
	}
	s.Release()
	s.Release() // идемпотентность

	// После освобождения лок доступен снова.
	s2, err := g.Acquire(context.Background(), time.Second, "historical")
	if err != nil {
		t.Fatalf("re-Acquire() error: %v", err)
	}
	s2.Release()
}

func TestSecondAcquireFailsBusy(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	s, err := g.Acquire(context.Background(), time.Second, "fetch")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer s.Release()

	// Второй претендент с коротким окном должен получить busy или conflict,
	// но никогда не лок.
	_, err = g.Acquire(context.Background(), 700*time.Millisecond, "test")
	if err == nil {
		t.Fatal("second Acquire() succeeded while the lock is held")
	}
	if !errors.Is(err, faults.ErrSessionBusy) && !errors.Is(err, faults.ErrSessionConflict) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

func TestAliveWorkerBlocksForeignPurpose(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	// Чужой живой воркер: pid родительского процесса заведомо жив.
	if err := os.MkdirAll(g.PidDir, 0o700); err != nil {
		t.Fatal(err)
	}
	foreign := []byte(strconv.Itoa(os.Getppid()))
	if err := os.WriteFile(filepath.Join(g.PidDir, "monitor.pid"), foreign, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Acquire(context.Background(), time.Second, "test"); !errors.Is(err, faults.ErrSessionConflict) {
		t.Fatalf("Acquire() = %v, want session conflict", err)
	}

	// Воркер проходит несмотря на чужой pid-файл.
	s, err := g.Acquire(context.Background(), time.Second, sessionguard.PurposeWorker)
	if err != nil {
		t.Fatalf("worker Acquire() error: %v", err)
	}
	s.Release()
}

func TestOwnPidFileDoesNotConflict(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	// Воркер публикует собственный pid; его же фоновый цикл не должен
	// спотыкаться о него при взятии лока.
	cleanup, err := g.WritePidFile(sessionguard.PurposeWorker)
	if err != nil {
		t.Fatalf("WritePidFile() error: %v", err)
	}
	defer cleanup()

	s, err := g.Acquire(context.Background(), time.Second, "fetch")
	if err != nil {
		t.Fatalf("Acquire() with own pid file: %v", err)
	}
	s.Release()
}

func TestDeadWorkerPidIgnored(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	if err := os.MkdirAll(g.PidDir, 0o700); err != nil {
		t.Fatal(err)
	}
	// Pid из диапазона, где живого процесса нет.
	dead := []byte(strconv.Itoa(1 << 22))
	if err := os.WriteFile(filepath.Join(g.PidDir, "monitor.pid"), dead, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := g.Acquire(context.Background(), time.Second, "test")
	if err != nil {
		t.Fatalf("Acquire() with dead worker pid: %v", err)
	}
	s.Release()
}
