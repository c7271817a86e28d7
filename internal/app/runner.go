package app

import (
	"context"
	"time"

	"telegram-monitor/internal/adapters/webhook"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/sessionguard"
	"telegram-monitor/internal/infra/timeutil"
	"telegram-monitor/internal/taskbus"

	"github.com/go-faster/errors"
)

// RunMonitor — основной режим: воркеры всех очередей плюс планировщик.
// Блокируется до отмены контекста, затем гасит компоненты в обратном
// порядке: сперва планировщик (новых задач нет), потом воркеры (дорабатывают
// взятое), pid-файл убирается последним.
func (a *App) RunMonitor(ctx context.Context) error {
	removePid, err := a.Guard.WritePidFile(sessionguard.PurposeWorker)
	if err != nil {
		return errors.Wrap(err, "write pid file")
	}
	defer removePid()

	loc, err := timeutil.ParseLocation(a.Env.AppTimezone)
	if err != nil {
		logger.Warnf("timezone %q: %v, falling back to UTC", a.Env.AppTimezone, err)
		loc = time.UTC
	}

	pool := taskbus.NewWorkerPool(a.Bus.RedisConnOpt(), a.Registry())
	if err := pool.Start(); err != nil {
		return errors.Wrap(err, "start worker pool")
	}

	sch, err := taskbus.NewScheduler(a.Bus.RedisConnOpt(), loc)
	if err != nil {
		pool.Stop()
		return errors.Wrap(err, "build scheduler")
	}
	if err := sch.Start(); err != nil {
		pool.Stop()
		return errors.Wrap(err, "start scheduler")
	}

	for _, w := range config.Warnings() {
		logger.Warn(w)
	}
	logger.Infof("monitor started: %d countries, fetch interval %s",
		len(config.Countries()), config.FetchInterval())
	a.Admin.Notify(ctx, webhook.SeverityInfo, "startup", "monitor", "monitor worker started")

	<-ctx.Done()
	logger.Info("shutdown requested")

	sch.Stop()
	pool.Stop()
	logger.Info("monitor stopped")
	return nil
}
