package app

import (
	"context"

	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// RunTest — режим проверки связности: каждая внешняя зависимость трогается
// безопасной операцией без побочных эффектов. Возвращает первую ошибку,
// но прогоняет все проверки, чтобы лог показал полную картину.
func (a *App) RunTest(ctx context.Context) error {
	var firstErr error
	check := func(name string, err error) {
		if err != nil {
			logger.Errorf("check %s: FAIL: %v", name, err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, name)
			}
			return
		}
		logger.Infof("check %s: ok", name)
	}

	check("redis", a.Store.Ping(ctx))
	check("telegram_auth", a.TG.CheckAuth(ctx))
	check("inference", a.AI.Ping(ctx))
	check("workbook", a.Sinks.ValidateWorkbooks(ctx))
	check("csv_dir", a.Sinks.CSVWritable())
	return firstErr
}

// RunHistorical — ограниченный синхронный back-fill: один проход без
// планировщика, сообщения обрабатываются и доставляются на месте.
// Курсор двигается после доставки, как и в асинхронном контуре.
func (a *App) RunHistorical(ctx context.Context, limit int) error {
	processed := 0
	emit := func(ctx context.Context, countryID string, raw message.RawMessage) error {
		country, ok := config.Countries()[countryID]
		if !ok {
			return nil
		}
		msg := a.Processor.Process(ctx, countryID, country, raw, uuid.NewString())
		if err := a.Sinks.Deliver(ctx, countryID, country, msg); err != nil {
			return err
		}
		processed++
		if err := a.Store.SetCursor(ctx, raw.Channel, raw.ExternalID); err != nil {
			logger.Warnf("cursor advance %s:%d: %v", raw.Channel, raw.ExternalID, err)
		}
		return nil
	}

	if err := a.Fetcher.RunCycleWith(ctx, limit, true, emit); err != nil {
		return err
	}
	logger.Infof("historical pass complete: %d messages delivered", processed)
	return nil
}
