// Package tracking — стор высоких отметок (курсоров) и dedupe-битмапы
// поверх Redis. Все записи живут с TTL (по умолчанию 24 часа), TTL
// обновляется при каждой записи. Слияние курсора монотонно: Lua-скрипт
// берёт максимум текущего и аргумента, поэтому конкурирующие и
// запоздавшие обновления не могут откатить отметку.
//
// Недоступность Redis не фатальна: курсорные операции возвращают
// ErrTrackingUnavailable (fetch-цикл переходит на консервативный допуск по
// времени), а dedupe продолжает работать best-effort на локальной карте
// «недавно видели» с тем же окном.
package tracking

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"telegram-monitor/internal/domain/faults"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// opTimeout — таймаут точечных операций с кэшем.
const opTimeout = 30 * time.Second

// setCursorScript — монотонное слияние курсора: max(текущий, аргумент),
// TTL освежается при каждом вызове.
var setCursorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local arg = tonumber(ARGV[1])
if arg > cur then cur = arg end
redis.call('SET', KEYS[1], cur, 'EX', ARGV[2])
return cur
`)

// Store — клиент трекинга. Потокобезопасен.
type Store struct {
	rdb   *redis.Client
	ttl   time.Duration
	local *localSeen
}

// New создаёт Store по строке подключения redis://...
func New(redisURL string, ttl time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return NewWithClient(redis.NewClient(opt), ttl), nil
}

// NewWithClient оборачивает готовый клиент; используется тестами с miniredis.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:   rdb,
		ttl:   ttl,
		local: newLocalSeen(ttl),
	}
}

// Ping проверяет доступность кэша (режим test и health_ping).
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(faults.ErrTrackingUnavailable, "ping: %v", err)
	}
	return nil
}

// Close освобождает соединения клиента.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func cursorKey(channel string) string { return "tracking:cursor:" + channel }

func seenKey(channel string, id int64) string {
	return "tracking:seen:" + channel + ":" + strconv.FormatInt(id, 10)
}

const rateLimitKey = "tracking:ratelimit:deadline"

// GetCursor возвращает высокую отметку канала. ok=false — отметки нет
// (холодный старт либо истёкший TTL).
func (s *Store) GetCursor(ctx context.Context, channel string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, cursorKey(channel)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(faults.ErrTrackingUnavailable, "get cursor %s: %v", channel, err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "cursor %s is not an integer", channel)
	}
	return id, true, nil
}

// SetCursor монотонно поднимает отметку канала и освежает TTL.
func (s *Store) SetCursor(ctx context.Context, channel string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttlSec := int(s.ttl / time.Second)
	if err := setCursorScript.Run(ctx, s.rdb, []string{cursorKey(channel)}, id, ttlSec).Err(); err != nil {
		return errors.Wrapf(faults.ErrTrackingUnavailable, "set cursor %s: %v", channel, err)
	}
	return nil
}

// MarkSeen ставит dedupe-метку пары (канал, внешний id). Локальная карта
// обновляется всегда: она страхует окно при недоступном Redis.
func (s *Store) MarkSeen(ctx context.Context, channel string, id int64) error {
	s.local.mark(channel, id)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, seenKey(channel, id), "1", s.ttl).Err(); err != nil {
		return errors.Wrapf(faults.ErrTrackingUnavailable, "mark seen %s:%d: %v", channel, id, err)
	}
	return nil
}

// IsSeen сообщает, встречалась ли пара внутри TTL-окна. При недоступном
// Redis отвечает локальная карта (best-effort, синки всё равно идемпотентны).
func (s *Store) IsSeen(ctx context.Context, channel string, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.rdb.Exists(ctx, seenKey(channel, id)).Result()
	if err != nil {
		return s.local.seen(channel, id), errors.Wrapf(faults.ErrTrackingUnavailable, "is seen: %v", err)
	}
	if n > 0 {
		return true, nil
	}
	return s.local.seen(channel, id), nil
}

// SetRateLimitDeadline фиксирует дедлайн, до которого fetch-триггеры подавлены.
// Ключ живёт ровно до дедлайна.
func (s *Store) SetRateLimitDeadline(ctx context.Context, deadline time.Time) error {
	ttl := time.Until(deadline)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, rateLimitKey, deadline.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return errors.Wrapf(faults.ErrTrackingUnavailable, "set rate limit deadline: %v", err)
	}
	return nil
}

// RateLimitDeadline возвращает активный дедлайн, если он ещё впереди.
func (s *Store) RateLimitDeadline(ctx context.Context) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, rateLimitKey).Result()
	if err != nil {
		return time.Time{}, false
	}
	deadline, err := time.Parse(time.RFC3339, val)
	if err != nil || time.Now().After(deadline) {
		return time.Time{}, false
	}
	return deadline, true
}

// Cleanup выбрасывает просроченные записи локальной карты. Удалёнными
// ключами управляет TTL самого Redis; задача cleanup_cache вызывает метод,
// чтобы карта не росла при длительной деградации.
func (s *Store) Cleanup() int {
	return s.local.cleanup()
}

// localSeen — потокобезопасная карта «недавно видели» с истечением по окну.
type localSeen struct {
	mu     sync.Mutex
	seenAt map[string]time.Time // key -> expireAt
	window time.Duration
}

func newLocalSeen(window time.Duration) *localSeen {
	return &localSeen{
		seenAt: make(map[string]time.Time),
		window: window,
	}
}

func localKey(channel string, id int64) string {
	return fmt.Sprintf("%s:%d", channel, id)
}

func (l *localSeen) mark(channel string, id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seenAt[localKey(channel, id)] = time.Now().Add(l.window)
}

func (l *localSeen) seen(channel string, id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.seenAt[localKey(channel, id)]
	return ok && time.Now().Before(exp)
}

func (l *localSeen) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, exp := range l.seenAt {
		if now.After(exp) {
			delete(l.seenAt, k)
			removed++
		}
	}
	return removed
}
