package app

import (
	"context"
	"time"

	"telegram-monitor/internal/adapters/csvfile"
	"telegram-monitor/internal/adapters/webhook"
	"telegram-monitor/internal/adapters/workbook"
	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
)

// Sinks — три приёмника за одним фасадом. Асинхронные обработчики шины и
// синхронный historical-проход пользуются одними и теми же методами.
type Sinks struct {
	csv    *csvfile.Writer
	wb     *workbook.Client
	poster *webhook.Poster
	admin  *webhook.AdminNotifier
}

// NewSinks собирает фасад приёмников.
func NewSinks(csv *csvfile.Writer, wb *workbook.Client, poster *webhook.Poster, admin *webhook.AdminNotifier) *Sinks {
	return &Sinks{csv: csv, wb: wb, poster: poster, admin: admin}
}

// WriteCSV пишет строку в significant- либо trivial-файл страны.
func (s *Sinks) WriteCSV(countryID string, msg *message.Processed) error {
	return s.csv.Append(countryID, msg.Verdict == message.VerdictSignificant, msg)
}

// WriteWorkbook пишет строку на лист воркбука страны по вердикту.
// Ошибка инициализации сессии дополнительно уходит в админский канал
// (лимитер сам держит «не чаще раза в час»).
func (s *Sinks) WriteWorkbook(ctx context.Context, countryID string, country config.Country, msg *message.Processed) error {
	if country.Workbook.Filename == "" {
		return nil
	}
	excluded := config.WorkbookExcluded(country)
	row, err := msg.Project(config.Schema(), excluded)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkSchemaMismatch, "workbook projection: %v", err)
	}

	sheet := country.Workbook.TrivialSheet
	if msg.Verdict == message.VerdictSignificant {
		sheet = country.Workbook.SignificantSheet
	}

	sink := workbook.NewSink(s.wb, country.Workbook, config.Schema(), excluded)
	if err := sink.Append(ctx, sheet, row); err != nil {
		if errors.Is(err, faults.ErrSinkInit) {
			s.admin.Notify(ctx, webhook.SeverityError, "sink_init", "workbook:"+countryID,
				"workbook session bootstrap failed: "+err.Error())
		}
		return err
	}
	return nil
}

// PostWebhook отправляет карточку только для significant-сообщений стран
// с привязанным URL.
func (s *Sinks) PostWebhook(ctx context.Context, country config.Country, msg *message.Processed) error {
	if msg.Verdict != message.VerdictSignificant || country.WebhookURL == "" {
		return nil
	}
	return s.poster.PostSignificant(ctx, country.WebhookURL, country.Name, msg,
		config.Schema(), config.WebhookExcluded(country))
}

// Deliver — синхронная доставка по таблице решений (режим historical).
// Сбой одного приёмника не блокирует остальные; возвращается первая ошибка.
func (s *Sinks) Deliver(ctx context.Context, countryID string, country config.Country, msg *message.Processed) error {
	if msg.Verdict == message.VerdictExcluded {
		return nil
	}
	var firstErr error
	if err := s.WriteCSV(countryID, msg); err != nil {
		logger.Warnf("csv sink %s:%d: %v", msg.Channel, msg.ExternalID, err)
		firstErr = err
	}
	if err := s.WriteWorkbook(ctx, countryID, country, msg); err != nil {
		logger.Warnf("workbook sink %s:%d: %v", msg.Channel, msg.ExternalID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.PostWebhook(ctx, country, msg); err != nil {
		logger.Warnf("webhook sink %s:%d: %v", msg.Channel, msg.ExternalID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ValidateWorkbooks проверяет доступность каждого привязанного воркбука
// чтением метаданных (режим test). Возвращает первую ошибку.
func (s *Sinks) ValidateWorkbooks(ctx context.Context) error {
	for id, country := range config.Countries() {
		if country.Workbook.Filename == "" {
			continue
		}
		sink := workbook.NewSink(s.wb, country.Workbook, config.Schema(), config.WorkbookExcluded(country))
		if err := sink.Validate(ctx); err != nil {
			return errors.Wrapf(err, "workbook %s", id)
		}
	}
	return nil
}

// CSVWritable проверяет, что каталог CSV доступен на запись.
func (s *Sinks) CSVWritable() error { return s.csv.Writable() }

// CleanupWorkbooks удаляет из воркбуков строки старше retention (обе
// вкладки каждой страны). Возвращает суммарное число удалённых строк.
func (s *Sinks) CleanupWorkbooks(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	parse := func(v string) (time.Time, bool) {
		ts, err := time.Parse("2006-01-02 15:04:05", v)
		return ts, err == nil
	}

	total := 0
	for id, country := range config.Countries() {
		if country.Workbook.Filename == "" {
			continue
		}
		excluded := config.WorkbookExcluded(country)
		sink := workbook.NewSink(s.wb, country.Workbook, config.Schema(), excluded)
		for _, sheet := range []string{country.Workbook.SignificantSheet, country.Workbook.TrivialSheet} {
			n, err := sink.DeleteOlderThan(ctx, sheet, cutoff, parse)
			if err != nil {
				logger.Warnf("workbook cleanup %s/%s: %v", id, sheet, err)
				continue
			}
			total += n
		}
	}
	return total
}
