package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"telegram-monitor/internal/adapters/ai"
	"telegram-monitor/internal/adapters/csvfile"
	adaptertg "telegram-monitor/internal/adapters/telegram"
	"telegram-monitor/internal/adapters/webhook"
	"telegram-monitor/internal/adapters/workbook"
	"telegram-monitor/internal/domain/dispatch"
	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/sessionguard"
	"telegram-monitor/internal/infra/tracking"
	"telegram-monitor/internal/taskbus"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
)

// App — собранное приложение: инфраструктура, адаптеры и доменные
// компоненты, готовые к работе в любом из режимов запуска.
type App struct {
	Env   config.EnvConfig
	Store *tracking.Store
	Guard *sessionguard.Guard
	Bus   *taskbus.Bus
	TG    *adaptertg.Client
	Peers *adaptertg.PeerCache
	AI    *ai.Client
	Admin *webhook.AdminNotifier

	Processor  *Processor
	Sinks      *Sinks
	Dispatcher *dispatch.Dispatcher
	Fetcher    *Fetcher
}

// New собирает приложение из загруженной конфигурации.
func New() (*App, error) {
	env := config.Env()

	store, err := tracking.New(env.RedisURL, config.TrackingTTL())
	if err != nil {
		return nil, errors.Wrap(err, "tracking store")
	}

	bus, err := taskbus.NewBus(env.RedisURL)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "task bus")
	}

	peers, err := adaptertg.OpenPeerCache(filepath.Join(filepath.Dir(env.SessionFile), "peers.db"))
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "peer cache")
	}

	adm := config.Admin()
	admin := webhook.NewAdminNotifier(adm.URL, adm.ChannelName, webhook.SeverityInfo)

	aiClient := ai.New(&env)
	wbClient := workbook.NewClient(&env)
	csvWriter := csvfile.NewWriter(env.CSVDir, config.Schema())

	app := &App{
		Env:   env,
		Store: store,
		Guard: sessionguard.New(env.SessionLockFile, env.WorkerPidDir),
		Bus:   bus,
		TG:    adaptertg.NewClient(&env),
		Peers: peers,
		AI:    aiClient,
		Admin: admin,
	}
	app.Processor = NewProcessor(aiClient)
	app.Sinks = NewSinks(csvWriter, wbClient, webhook.NewPoster(), admin)
	app.Dispatcher = dispatch.New(bus, store)
	app.Fetcher = NewFetcher(app.TG, peers, store, app.Guard, bus, admin, csvWriter)
	return app, nil
}

// Close освобождает ресурсы в обратном порядке сборки.
func (a *App) Close() {
	if err := a.Peers.Close(); err != nil {
		logger.Warnf("close peer cache: %v", err)
	}
	if err := a.Bus.Close(); err != nil {
		logger.Warnf("close task bus: %v", err)
	}
	if err := a.Store.Close(); err != nil {
		logger.Warnf("close tracking store: %v", err)
	}
}

// Registry возвращает таблицу обработчиков всех очередей.
func (a *App) Registry() *taskbus.Registry {
	reg := taskbus.NewRegistry()
	reg.Register(taskbus.QueueFetch, taskbus.TypeFetchAll, a.handleFetchAll)
	reg.Register(taskbus.QueueProcessing, taskbus.TypeProcessMessage, a.handleProcess)
	reg.Register(taskbus.QueueWorkbook, taskbus.TypeSinkWorkbook, a.handleSinkWorkbook)
	reg.Register(taskbus.QueueCSV, taskbus.TypeSinkCSV, a.handleSinkCSV)
	reg.Register(taskbus.QueueWebhook, taskbus.TypeSinkWebhook, a.handleSinkWebhook)
	reg.Register(taskbus.QueueMaintenance, taskbus.TypeCleanupCache, a.handleCleanupCache)
	reg.Register(taskbus.QueueMaintenance, taskbus.TypeCleanupSinkHistory, a.handleCleanupSinkHistory)
	reg.Register(taskbus.QueueMaintenance, taskbus.TypeHealthPing, a.handleHealthPing)
	return reg
}

// handleFetchAll — один цикл опроса. Недоступная авторизация ретраями не
// лечится: задача снимается, сигнал уже ушёл в служебный канал.
func (a *App) handleFetchAll(ctx context.Context, task *asynq.Task) error {
	var p taskbus.FetchPayload
	if len(task.Payload()) > 0 {
		if err := taskbus.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("fetch payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	err := a.Fetcher.RunCycle(ctx, p.Limit, p.Historical)
	if errors.Is(err, faults.ErrAuthRequired) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// handleProcess — классификация и раздача одного сообщения.
func (a *App) handleProcess(ctx context.Context, task *asynq.Task) error {
	var p taskbus.ProcessPayload
	if err := taskbus.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("process payload: %v: %w", err, asynq.SkipRetry)
	}
	country, ok := config.Countries()[p.CountryID]
	if !ok {
		// Страну убрали из конфига между постановкой и исполнением.
		logger.Warnf("process %s:%d: unknown country %q, dropping",
			p.Raw.Channel, p.Raw.ExternalID, p.CountryID)
		return nil
	}
	msg := a.Processor.Process(ctx, p.CountryID, country, p.Raw, p.CorrelationID)
	return a.Dispatcher.Dispatch(ctx, &country, msg)
}

func (a *App) handleSinkWorkbook(ctx context.Context, task *asynq.Task) error {
	p, country, msg, err := a.sinkPayload(task)
	if err != nil || msg == nil {
		return err
	}
	if werr := a.Sinks.WriteWorkbook(ctx, p.CountryID, country, msg); werr != nil {
		if errors.Is(werr, faults.ErrSinkSchemaMismatch) {
			return deadLetterRow("workbook", werr, msg)
		}
		return werr
	}
	return nil
}

// deadLetterRow сбрасывает строку с рассинхронизированной схемой в архив:
// полный payload уходит в debug-лог, задача перестаёт ретраиться.
func deadLetterRow(sink string, werr error, msg *message.Processed) error {
	logger.Debugf("%s row %s:%d dead-lettered: %+v", sink, msg.Channel, msg.ExternalID, msg)
	return fmt.Errorf("%v: %w", werr, asynq.SkipRetry)
}

func (a *App) handleSinkCSV(_ context.Context, task *asynq.Task) error {
	p, _, msg, err := a.sinkPayload(task)
	if err != nil || msg == nil {
		return err
	}
	if werr := a.Sinks.WriteCSV(p.CountryID, msg); werr != nil {
		if errors.Is(werr, faults.ErrSinkSchemaMismatch) {
			return deadLetterRow("csv", werr, msg)
		}
		return werr
	}
	return nil
}

func (a *App) handleSinkWebhook(ctx context.Context, task *asynq.Task) error {
	_, country, msg, err := a.sinkPayload(task)
	if err != nil || msg == nil {
		return err
	}
	return a.Sinks.PostWebhook(ctx, country, msg)
}

// sinkPayload разбирает задачу приёмника; nil-сообщение с nil-ошибкой —
// сигнал «молча снять» (страна исчезла из конфига).
func (a *App) sinkPayload(task *asynq.Task) (taskbus.SinkPayload, config.Country, *message.Processed, error) {
	var p taskbus.SinkPayload
	if err := taskbus.Unmarshal(task.Payload(), &p); err != nil {
		return p, config.Country{}, nil, fmt.Errorf("sink payload: %v: %w", err, asynq.SkipRetry)
	}
	country, ok := config.Countries()[p.CountryID]
	if !ok {
		logger.Warnf("sink %s:%d: unknown country %q, dropping",
			p.Processed.Channel, p.Processed.ExternalID, p.CountryID)
		return p, config.Country{}, nil, nil
	}
	return p, country, &p.Processed, nil
}

func (a *App) handleCleanupCache(_ context.Context, _ *asynq.Task) error {
	n := a.Store.Cleanup()
	logger.Debugf("cleanup_cache: %d local dedup entries expired", n)
	return nil
}

func (a *App) handleCleanupSinkHistory(ctx context.Context, _ *asynq.Task) error {
	retention := time.Duration(a.Env.WorkbookRetentionDays) * 24 * time.Hour
	deleted := a.Sinks.CleanupWorkbooks(ctx, retention)
	logger.Infof("cleanup_sink_history: %d workbook rows deleted", deleted)
	return nil
}

func (a *App) handleHealthPing(ctx context.Context, _ *asynq.Task) error {
	if err := a.Store.Ping(ctx); err != nil {
		logger.Warnf("health_ping: tracking store unreachable: %v", err)
		return err
	}
	logger.Debug("health_ping ok")
	return nil
}
