// Package taskbus — шина задач поверх Redis (asynq) и периодический
// планировщик. Топология очередей — конфигурация, а не фреймворк: роли,
// конкуррентность, ретраи и дедлайны берутся из таблицы config.Queue.
//
// Идемпотентность: задачи несут стабильный ключ (channel, external_id, sink)
// в качестве TaskID; повторная постановка с тем же ключом внутри retention
// отклоняется брокером и трактуется вызывающим кодом как dedup-успех.
package taskbus

import (
	"context"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
)

// Имена очередей. Совпадают с ключами таблицы топологии в конфигурации.
const (
	QueueFetch       = "fetch"
	QueueProcessing  = "processing"
	QueueWebhook     = "webhook"
	QueueWorkbook    = "workbook"
	QueueCSV         = "csv"
	QueueMaintenance = "maintenance"
)

// Типы задач.
const (
	TypeFetchAll           = "fetch:all"
	TypeProcessMessage     = "process:message"
	TypeSinkWorkbook       = "sink:workbook"
	TypeSinkCSV            = "sink:csv"
	TypeSinkWebhook        = "sink:webhook"
	TypeCleanupCache       = "maintenance:cleanup_cache"
	TypeCleanupSinkHistory = "maintenance:cleanup_sink_history"
	TypeHealthPing         = "maintenance:health_ping"
)

// resultRetention — сколько брокер помнит завершённые задачи (и их TaskID).
// Совпадает по порядку с dedupe-окном трекинга.
const resultRetention = 24 * time.Hour

// Bus — продьюсерская сторона шины.
type Bus struct {
	client *asynq.Client
	opt    asynq.RedisConnOpt
}

// NewBus разбирает строку подключения и создаёт клиент.
func NewBus(redisURL string) (*Bus, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis uri")
	}
	return &Bus{client: asynq.NewClient(opt), opt: opt}, nil
}

// Close закрывает продьюсерское соединение.
func (b *Bus) Close() error { return b.client.Close() }

// RedisConnOpt отдаёт разобранные параметры брокера (для воркеров и планировщика).
func (b *Bus) RedisConnOpt() asynq.RedisConnOpt { return b.opt }

// Enqueue ставит задачу typ в очередь queue с пэйлоадом payload.
// Непустой key становится TaskID: повтор с тем же ключом внутри retention
// возвращает faults.ErrDedupHit, который вызывающий код считает успехом.
func (b *Bus) Enqueue(ctx context.Context, queue, typ string, payload []byte, key string) error {
	qc := config.Queue(queue)
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(qc.MaxRetries),
		asynq.Timeout(time.Duration(qc.TimeLimitSec) * time.Second),
		asynq.Retention(resultRetention),
	}
	if key != "" {
		opts = append(opts, asynq.TaskID(key))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(typ, payload), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		return errors.Wrapf(faults.ErrDedupHit, "task %s key %s", typ, key)
	case err != nil:
		return errors.Wrapf(err, "enqueue %s", typ)
	}
	logger.Debugf("enqueued %s id=%s queue=%s", typ, info.ID, info.Queue)
	return nil
}

// EnqueueUnique ставит задачу с uniqueness-локом на окно window: пока
// предыдущий экземпляр не обработан (или окно не истекло), новые постановки
// схлопываются. Используется для коалесинга fetch_all.
func (b *Bus) EnqueueUnique(ctx context.Context, queue, typ string, payload []byte, window time.Duration) error {
	qc := config.Queue(queue)
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(qc.MaxRetries),
		asynq.Timeout(time.Duration(qc.TimeLimitSec) * time.Second),
		asynq.Unique(window),
	}
	_, err := b.client.EnqueueContext(ctx, asynq.NewTask(typ, payload), opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logger.Debugf("coalesced duplicate %s", typ)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "enqueue unique %s", typ)
	}
	return nil
}

// retryDelayFor строит кривую ретраев очереди: base * factor^attempt,
// с потолком в один час.
func retryDelayFor(queue string) asynq.RetryDelayFunc {
	qc := config.Queue(queue)
	base := time.Duration(qc.BaseDelaySec) * time.Second
	factor := qc.BackoffFactor
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return BackoffDelay(base, factor, n)
	}
}

// BackoffDelay — ограниченная экспоненциальная задержка для попытки n (с нуля).
func BackoffDelay(base time.Duration, factor float64, n int) time.Duration {
	const ceiling = time.Hour
	d := base
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * factor)
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
