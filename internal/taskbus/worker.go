package taskbus

import (
	"context"
	"fmt"

	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
)

// Handler — обработчик задачи.
type Handler func(ctx context.Context, t *asynq.Task) error

// Registry связывает тип задачи с очередью и обработчиком.
type Registry struct {
	byQueue map[string]map[string]Handler
}

// NewRegistry возвращает пустой реестр обработчиков.
func NewRegistry() *Registry {
	return &Registry{byQueue: make(map[string]map[string]Handler)}
}

// Register добавляет обработчик типа typ в очередь queue.
func (r *Registry) Register(queue, typ string, h Handler) {
	if r.byQueue[queue] == nil {
		r.byQueue[queue] = make(map[string]Handler)
	}
	r.byQueue[queue][typ] = h
}

// WorkerPool — по одному asynq-серверу на очередь: у каждой роли своя
// конкуррентность и своя кривая ретраев.
type WorkerPool struct {
	servers []*asynq.Server
	muxes   []*asynq.ServeMux
}

// NewWorkerPool собирает серверы для всех очередей реестра.
func NewWorkerPool(opt asynq.RedisConnOpt, reg *Registry) *WorkerPool {
	pool := &WorkerPool{}
	for queue, handlers := range reg.byQueue {
		qc := config.Queue(queue)
		srv := asynq.NewServer(opt, asynq.Config{
			Concurrency:    qc.Concurrency,
			Queues:         map[string]int{queue: 1},
			RetryDelayFunc: retryDelayFor(queue),
			Logger:         asynqLogger{},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
				logger.Warnf("task %s failed: %v", t.Type(), err)
			}),
		})

		mux := asynq.NewServeMux()
		for typ, h := range handlers {
			mux.HandleFunc(typ, h)
		}
		pool.servers = append(pool.servers, srv)
		// Привязка mux к серверу откладывается до Start.
		pool.muxes = append(pool.muxes, mux)
	}
	return pool
}

// Start запускает все серверы (неблокирующе).
func (p *WorkerPool) Start() error {
	for i, srv := range p.servers {
		if err := srv.Start(p.muxes[i]); err != nil {
			return errors.Wrap(err, "start worker")
		}
	}
	return nil
}

// Stop останавливает приём новых задач и дожидается активных.
func (p *WorkerPool) Stop() {
	for _, srv := range p.servers {
		srv.Stop()
	}
	for _, srv := range p.servers {
		srv.Shutdown()
	}
}

// asynqLogger транслирует журнал asynq в общий логгер.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.Debug(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.Info(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.Warn(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.Error(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logger.Fatal(fmt.Sprint(args...)) }
