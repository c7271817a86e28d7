package taskbus

import (
	"fmt"
	"time"

	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
)

// Scheduler — периодический триггер: fetch по интервалу из конфигурации,
// обслуживание кэша и истории приёмников по cron-выражениям.
type Scheduler struct {
	sch      *asynq.Scheduler
	interval time.Duration
}

// NewScheduler собирает планировщик с полным набором периодических записей.
func NewScheduler(opt asynq.RedisConnOpt, loc *time.Location) (*Scheduler, error) {
	sch := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: loc,
		Logger:   asynqLogger{},
	})

	s := &Scheduler{sch: sch, interval: config.FetchInterval()}

	fetchQC := config.Queue(QueueFetch)
	// Коалесинг: пока предыдущий fetch_all в очереди или в работе,
	// новый триггер схлопывается uniqueness-локом.
	if _, err := sch.Register(
		fmt.Sprintf("@every %s", s.interval),
		asynq.NewTask(TypeFetchAll, nil),
		asynq.Queue(QueueFetch),
		asynq.MaxRetry(fetchQC.MaxRetries),
		asynq.Timeout(time.Duration(fetchQC.TimeLimitSec)*time.Second),
		asynq.Unique(s.interval),
	); err != nil {
		return nil, errors.Wrap(err, "register fetch_all")
	}

	maintQC := config.Queue(QueueMaintenance)
	maintOpts := []asynq.Option{
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(maintQC.MaxRetries),
		asynq.Timeout(time.Duration(maintQC.TimeLimitSec) * time.Second),
	}
	entries := []struct {
		spec string
		typ  string
	}{
		{"0 * * * *", TypeCleanupCache},
		{"30 3 * * *", TypeCleanupSinkHistory},
		{"*/5 * * * *", TypeHealthPing},
	}
	for _, e := range entries {
		if _, err := sch.Register(e.spec, asynq.NewTask(e.typ, nil), maintOpts...); err != nil {
			return nil, errors.Wrapf(err, "register %s", e.typ)
		}
	}
	return s, nil
}

// Start запускает планировщик (неблокирующе).
func (s *Scheduler) Start() error {
	if err := s.sch.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	logger.Infof("scheduler started, fetch every %s", s.interval)
	return nil
}

// Stop останавливает планировщик.
func (s *Scheduler) Stop() { s.sch.Shutdown() }
