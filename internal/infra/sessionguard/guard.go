// Package sessionguard — эксклюзивный доступ к MTProto-сессии между процессами.
//
// Апстрим инвалидирует сессию при конкурентном использовании (живой аккаунт
// принудительно разлогинивается), поэтому любой вход в сессию идёт через
// advisory-лок на sidecar-файле. Дополнительно сканируется каталог pid-файлов
// воркеров: если какой-либо воркер жив, вход с чужим purpose отклоняется.
//
// Семантика файла: пока лок удерживается, в файле лежит строка "purpose pid".
// При нормальном выходе файл удаляется. После краха файл остаётся: он
// считается протухшим, когда его mtime старше staleAfter и записанный pid
// мёртв — тогда следующий претендент убирает файл и повторяет попытку.
package sessionguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/storage"

	"github.com/go-faster/errors"
	"github.com/gofrs/flock"
)

const (
	// defaultAcquireTimeout — окно ожидания лока перед отказом busy.
	defaultAcquireTimeout = 30 * time.Second
	// retryInterval — шаг повторных попыток TryLock внутри окна.
	retryInterval = 500 * time.Millisecond
	// staleAfter — возраст lockfile, после которого остаток краха считается протухшим.
	staleAfter = 5 * time.Minute
	// PurposeWorker — встроенное назначение фоновых воркеров; воркер не
	// конфликтует со своими pid-файлами.
	PurposeWorker = "worker"
)

// Guard описывает расположение lockfile и каталога pid-файлов воркеров.
type Guard struct {
	LockPath string
	PidDir   string
}

// Session — удерживаемый лок. Release обязателен и идемпотентен.
type Session struct {
	fl       *flock.Flock
	path     string
	purpose  string
	released bool
}

// New создаёт Guard. Каталоги создаются лениво при первом Acquire.
func New(lockPath, pidDir string) *Guard {
	return &Guard{LockPath: lockPath, PidDir: pidDir}
}

// Acquire берёт эксклюзивный лок с ожиданием до timeout (0 → 30 секунд).
// Ошибки: faults.ErrSessionConflict — сессию держит другой процесс или жив
// посторонний воркер (в тексте — его purpose и pid); faults.ErrSessionBusy —
// лок не освободился за окно ожидания.
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration, purpose string) (*Session, error) {
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	if err := storage.EnsureDir(g.LockPath); err != nil {
		return nil, err
	}

	// Чужой живой воркер блокирует вход, если только мы сами не воркер.
	if purpose != PurposeWorker {
		if name, pid, alive := g.aliveWorker(); alive {
			return nil, errors.Wrapf(faults.ErrSessionConflict,
				"worker %s (pid %d) is alive", name, pid)
		}
	}

	session, err := g.tryAcquire(ctx, timeout, purpose)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, faults.ErrSessionBusy) {
		return nil, err
	}

	// Лок не дали за окно: возможно, файл остался от краха.
	if g.reapStale() {
		return g.tryAcquire(ctx, timeout, purpose)
	}

	if holder, pid, ok := g.holder(); ok {
		return nil, errors.Wrapf(faults.ErrSessionConflict,
			"session is held by %s (pid %d)", holder, pid)
	}
	return nil, err
}

// tryAcquire крутит TryLock с шагом retryInterval до timeout.
func (g *Guard) tryAcquire(ctx context.Context, timeout time.Duration, purpose string) (*Session, error) {
	fl := flock.New(g.LockPath)
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryInterval)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrap(err, "lock session file")
	}
	if !ok {
		return nil, errors.Wrapf(faults.ErrSessionBusy,
			"lock not acquired within %s", timeout)
	}

	// Лок наш: публикуем purpose и pid для диагностики конфликтов.
	content := fmt.Sprintf("%s %d\n", purpose, os.Getpid())
	if writeErr := os.WriteFile(g.LockPath, []byte(content), 0o600); writeErr != nil {
		logger.Warnf("sessionguard: write lock metadata: %v", writeErr)
	}

	logger.Debug("session lock acquired")
	return &Session{fl: fl, path: g.LockPath, purpose: purpose}, nil
}

// Release снимает лок и убирает lockfile. Идемпотентен.
func (s *Session) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	// Сначала убрать файл, потом отпустить лок: претендент, успевший между
	// этими шагами, увидит отсутствие метаданных, но не протухший остаток.
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("sessionguard: remove lockfile: %v", err)
	}
	if err := s.fl.Unlock(); err != nil {
		logger.Warnf("sessionguard: unlock: %v", err)
	}
	logger.Debug("session lock released")
}

// Purpose возвращает назначение, с которым взят лок.
func (s *Session) Purpose() string { return s.purpose }

// holder читает "purpose pid" из lockfile.
func (g *Guard) holder() (string, int, bool) {
	data, err := os.ReadFile(g.LockPath)
	if err != nil {
		return "", 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, false
	}
	return fields[0], pid, true
}

// reapStale удаляет lockfile, оставшийся от краха: mtime старше staleAfter
// и записанный pid мёртв. Возвращает true, если файл был убран.
func (g *Guard) reapStale() bool {
	info, err := os.Stat(g.LockPath)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false
	}
	if _, pid, ok := g.holder(); ok && processAlive(pid) {
		return false
	}
	if err = os.Remove(g.LockPath); err != nil {
		logger.Warnf("sessionguard: remove stale lockfile: %v", err)
		return false
	}
	logger.Warn("sessionguard: removed stale lockfile")
	return true
}

// aliveWorker ищет чужой живой воркер в каталоге pid-файлов. Собственный
// pid не считается: фоновые циклы процесса-воркера не конфликтуют сами с собой.
func (g *Guard) aliveWorker() (string, int, bool) {
	entries, err := os.ReadDir(g.PidDir)
	if err != nil {
		return "", 0, false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(g.PidDir, e.Name()))
		if readErr != nil {
			continue
		}
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if parseErr != nil {
			continue
		}
		if pid != os.Getpid() && processAlive(pid) {
			return strings.TrimSuffix(e.Name(), ".pid"), pid, true
		}
	}
	return "", 0, false
}

// WritePidFile публикует pid текущего процесса как воркера name.
// Возвращает функцию очистки.
func (g *Guard) WritePidFile(name string) (func(), error) {
	path := filepath.Join(g.PidDir, name+".pid")
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	if err := storage.AtomicWriteFile(path, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return nil, errors.Wrap(err, "write pid file")
	}
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("sessionguard: remove pid file: %v", err)
		}
	}, nil
}

// processAlive проверяет существование процесса сигналом 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
