// Package dispatch — решатель судьбы обработанного сообщения: какие приёмники
// получают запись. Сама доставка — задачи в шине; диспетчер лишь ставит их и
// двигает курсор после того, как шина приняла все задачи.
package dispatch

import (
	"context"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/taskbus"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Bus — продьюсерская сторона шины задач.
type Bus interface {
	Enqueue(ctx context.Context, queue, typ string, payload []byte, key string) error
}

// Cursor — монотонный курсор канала.
type Cursor interface {
	SetCursor(ctx context.Context, channel string, id int64) error
}

// Dispatcher ставит задачи приёмников по таблице решений.
type Dispatcher struct {
	bus    Bus
	cursor Cursor
}

// New возвращает диспетчер поверх шины и курсора.
func New(bus Bus, cursor Cursor) *Dispatcher {
	return &Dispatcher{bus: bus, cursor: cursor}
}

// Dispatch применяет таблицу решений к сообщению:
//
//	excluded                 — ни одного приёмника;
//	significant              — significant CSV, лист Significant, вебхук;
//	trivial                  — trivial CSV, лист Trivial;
//	criteria_refined_trivial — trivial CSV, лист Trivial.
//
// Курсор двигается после того, как шина приняла все задачи (повтор с тем же
// ключом идемпотентности — тоже принятие). Ошибка любой постановки оставляет
// курсор на месте: сообщение придёт снова и доиграет недостающие задачи.
func (d *Dispatcher) Dispatch(ctx context.Context, country *config.Country, msg *message.Processed) error {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	if msg.Verdict != message.VerdictExcluded {
		if err := d.enqueueSinks(ctx, country, msg); err != nil {
			return err
		}
	} else {
		logger.Debugf("message %s:%d excluded (%s), sinks skipped",
			msg.Channel, msg.ExternalID, msg.Method)
	}

	if err := d.cursor.SetCursor(ctx, msg.Channel, msg.ExternalID); err != nil {
		// Недоступный кэш не отменяет уже принятые задачи: идемпотентность
		// ключей защитит от дублей при повторном заборе.
		logger.Warnf("cursor advance %s:%d failed: %v", msg.Channel, msg.ExternalID, err)
	}
	return nil
}

func (d *Dispatcher) enqueueSinks(ctx context.Context, country *config.Country, msg *message.Processed) error {
	payload, err := taskbus.Marshal(taskbus.SinkPayload{Processed: *msg, CountryID: country.ID})
	if err != nil {
		return err
	}

	if err := d.enqueue(ctx, taskbus.QueueCSV, taskbus.TypeSinkCSV, payload,
		taskbus.TaskKey(msg.Channel, msg.ExternalID, taskbus.SinkCSV)); err != nil {
		return errors.Wrap(err, "enqueue csv")
	}

	if country.Workbook.Filename != "" {
		if err := d.enqueue(ctx, taskbus.QueueWorkbook, taskbus.TypeSinkWorkbook, payload,
			taskbus.TaskKey(msg.Channel, msg.ExternalID, taskbus.SinkWorkbook)); err != nil {
			return errors.Wrap(err, "enqueue workbook")
		}
	}

	if msg.Verdict == message.VerdictSignificant && country.WebhookURL != "" {
		if err := d.enqueue(ctx, taskbus.QueueWebhook, taskbus.TypeSinkWebhook, payload,
			taskbus.TaskKey(msg.Channel, msg.ExternalID, taskbus.SinkWebhook)); err != nil {
			return errors.Wrap(err, "enqueue webhook")
		}
	}
	return nil
}

// enqueue нормализует dedup-попадание в успех.
func (d *Dispatcher) enqueue(ctx context.Context, queue, typ string, payload []byte, key string) error {
	err := d.bus.Enqueue(ctx, queue, typ, payload, key)
	if errors.Is(err, faults.ErrDedupHit) {
		logger.Debugf("task %s already accepted, skipping", key)
		return nil
	}
	return err
}
