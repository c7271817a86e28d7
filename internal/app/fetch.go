package app

import (
	"context"
	"time"

	"telegram-monitor/internal/adapters/csvfile"
	adaptertg "telegram-monitor/internal/adapters/telegram"
	"telegram-monitor/internal/adapters/webhook"
	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/sessionguard"
	"telegram-monitor/internal/infra/timeutil"
	"telegram-monitor/internal/infra/tracking"
	"telegram-monitor/internal/taskbus"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

const (
	guardAcquireTimeout = 30 * time.Second
	purposeFetch        = "fetch"
	purposeHistorical   = "historical"
	// conservativeSlack — запас к окну допуска при недоступном трекинге.
	conservativeSlack = 30 * time.Second
)

// Fetcher — цикл опроса: одна MTProto-сессия на цикл, курсоры в трекинге,
// новые сообщения уходят задачами в очередь processing.
type Fetcher struct {
	tg    *adaptertg.Client
	peers *adaptertg.PeerCache
	store *tracking.Store
	guard *sessionguard.Guard
	bus   *taskbus.Bus
	admin *webhook.AdminNotifier
	csv   *csvfile.Writer
}

// NewFetcher собирает цикл опроса.
func NewFetcher(tgc *adaptertg.Client, peers *adaptertg.PeerCache, store *tracking.Store,
	guard *sessionguard.Guard, bus *taskbus.Bus, admin *webhook.AdminNotifier, csv *csvfile.Writer) *Fetcher {
	return &Fetcher{tg: tgc, peers: peers, store: store, guard: guard, bus: bus, admin: admin, csv: csv}
}

// cycleStats — счётчики одного канала за цикл.
type cycleStats struct {
	fetched      int
	enqueued     int
	skippedAge   int
	skippedDedup int
}

// errCycleRateLimited прерывает цикл целиком: дедлайн уже записан в трекинг.
var errCycleRateLimited = errors.New("cycle interrupted by rate limit")

// EmitFunc принимает одно допущенное циклом сообщение.
type EmitFunc func(ctx context.Context, countryID string, raw message.RawMessage) error

// RunCycle выполняет один проход по всем каналам всех стран; допущенные
// сообщения уходят задачами в очередь processing.
// Повторный вход безопасен: занятая сессия или действующий rate-limit
// дедлайн превращают проход в no-op.
func (f *Fetcher) RunCycle(ctx context.Context, limitOverride int, historical bool) error {
	return f.runCycle(ctx, limitOverride, historical, f.enqueueProcess)
}

// RunCycleWith — тот же проход, но с произвольным получателем сообщений
// (синхронный back-fill).
func (f *Fetcher) RunCycleWith(ctx context.Context, limitOverride int, historical bool, emit EmitFunc) error {
	return f.runCycle(ctx, limitOverride, historical, emit)
}

func (f *Fetcher) runCycle(ctx context.Context, limitOverride int, historical bool, emit EmitFunc) error {
	if deadline, ok := f.store.RateLimitDeadline(ctx); ok && deadline.After(time.Now()) {
		logger.Infof("fetch suppressed until %s (rate limit deadline)", timeutil.Stamp(deadline))
		return nil
	}

	purpose := purposeFetch
	if historical {
		purpose = purposeHistorical
	}
	sess, err := f.guard.Acquire(ctx, guardAcquireTimeout, purpose)
	switch {
	case errors.Is(err, faults.ErrSessionBusy), errors.Is(err, faults.ErrSessionConflict):
		// Фоновый цикл молча уступает; back-fill обязан отказаться явно.
		if historical {
			return err
		}
		logger.Warnf("session unavailable, skipping cycle: %v", err)
		return nil
	case err != nil:
		return errors.Wrap(err, "acquire session")
	}
	defer sess.Release()

	limit := config.Env().FetchMessageLimit
	if limitOverride > 0 {
		limit = limitOverride
	}
	cutoff := time.Now().UTC().Add(-config.MaxMessageAge())
	if historical {
		cutoff = time.Time{}
	}

	runErr := f.tg.Run(ctx, func(ctx context.Context, api *tg.Client) error {
		for countryID, country := range config.Countries() {
			for _, ch := range country.Channels {
				stats, chErr := f.fetchChannel(ctx, api, countryID, ch, limit, cutoff, emit)
				if chErr != nil {
					if errors.Is(chErr, errCycleRateLimited) {
						return chErr
					}
					logger.Errorf("channel @%s: %v", ch.Handle, chErr)
					continue
				}
				logger.Infof("cycle @%s: fetched=%d enqueued=%d skipped_age=%d skipped_dedup=%d",
					ch.Handle, stats.fetched, stats.enqueued, stats.skippedAge, stats.skippedDedup)
			}
		}
		return nil
	})
	if errors.Is(runErr, errCycleRateLimited) {
		return nil
	}
	if errors.Is(runErr, faults.ErrAuthRequired) {
		f.admin.Notify(ctx, webhook.SeverityError, "auth_required", "telegram",
			"MTProto session is missing or revoked, re-provision the session file")
		return runErr
	}
	return runErr
}

// fetchChannel обрабатывает один канал: курсор, выборка, дедуп, постановка.
func (f *Fetcher) fetchChannel(ctx context.Context, api *tg.Client, countryID string, ch config.Channel, limit int, cutoff time.Time, emit EmitFunc) (cycleStats, error) {
	var stats cycleStats
	handle := ch.Handle

	peer, err := f.peers.Resolve(ctx, api, handle)
	if err != nil {
		return stats, errors.Wrap(err, "resolve peer")
	}

	sinceID := f.cursorFor(ctx, countryID, handle, &cutoff)

	raws, err := adaptertg.FetchNew(ctx, api, peer, adaptertg.FetchOptions{
		Handle:             handle,
		SinceID:            sinceID,
		Limit:              limit,
		Cutoff:             cutoff,
		FloodWaitThreshold: time.Duration(config.Env().RateLimitThresholdSeconds) * time.Second,
	})
	if err != nil {
		var rl *faults.RateLimited
		if errors.As(err, &rl) {
			return stats, f.suppressForFloodWait(ctx, handle, rl.Wait)
		}
		return stats, err
	}
	return f.admitMessages(ctx, countryID, handle, raws, cutoff, emit)
}

// suppressForFloodWait фиксирует дедлайн подавления fetch-триггеров и
// прерывает цикл. Админ-алерт уходит только при ожидании дольше часа.
func (f *Fetcher) suppressForFloodWait(ctx context.Context, handle string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	if serr := f.store.SetRateLimitDeadline(ctx, deadline); serr != nil {
		logger.Warnf("store rate limit deadline: %v", serr)
	}
	logger.Warnf("flood wait %s on %s, fetch suppressed until %s", wait, handle, timeutil.Stamp(deadline))
	if wait > time.Hour {
		f.admin.Notify(ctx, webhook.SeverityWarning, "rate_limit", handle,
			"flood wait "+wait.String()+", fetch suppressed until "+timeutil.Stamp(deadline))
	}
	return errCycleRateLimited
}

// admitMessages прогоняет выбранную пачку через фильтр возраста и дедуп;
// допущенные сообщения уходят в emit и помечаются в трекинге.
func (f *Fetcher) admitMessages(ctx context.Context, countryID, handle string, raws []message.RawMessage, cutoff time.Time, emit EmitFunc) (cycleStats, error) {
	stats := cycleStats{fetched: len(raws)}

	for _, raw := range raws {
		if !cutoff.IsZero() && raw.AuthoredAt.Before(cutoff) {
			stats.skippedAge++
			continue
		}
		seen, serr := f.store.IsSeen(ctx, handle, raw.ExternalID)
		if serr != nil && !errors.Is(serr, faults.ErrTrackingUnavailable) {
			logger.Warnf("dedup check %s:%d: %v", handle, raw.ExternalID, serr)
		}
		if seen {
			stats.skippedDedup++
			continue
		}

		if err := emit(ctx, countryID, raw); err != nil {
			if errors.Is(err, faults.ErrDedupHit) {
				stats.skippedDedup++
				continue
			}
			return stats, errors.Wrap(err, "emit message")
		}
		stats.enqueued++

		if merr := f.store.MarkSeen(ctx, handle, raw.ExternalID); merr != nil {
			logger.Debugf("mark seen %s:%d: %v", handle, raw.ExternalID, merr)
		}
	}

	return stats, nil
}

// cursorFor возвращает стартовый id канала. Порядок источников: трекинг,
// холодный старт по CSV, консервативное окно по времени. Если оба источника
// пусты либо недоступны, cutoff сужается до FETCH_INTERVAL+30s: узел без
// истории не должен заливать приёмники многочасовым хвостом.
func (f *Fetcher) cursorFor(ctx context.Context, countryID, handle string, cutoff *time.Time) int64 {
	id, found, err := f.store.GetCursor(ctx, handle)
	if err != nil {
		logger.Warnf("tracking unavailable for %s, conservative admission: %v", handle, err)
		narrowCutoff(cutoff)
		return 0
	}
	if found {
		return id
	}

	// Холодный старт: кэш пуст, но CSV-журнал может знать последний id.
	maxID, scanErr := f.csv.MaxExternalID(countryID, handle)
	if scanErr != nil {
		logger.Warnf("cold start scan %s, conservative admission: %v", handle, scanErr)
		narrowCutoff(cutoff)
		return 0
	}
	if maxID > 0 {
		logger.Infof("cold start for %s: cursor %d recovered from csv", handle, maxID)
		return maxID
	}

	narrowCutoff(cutoff)
	return 0
}

// narrowCutoff сужает окно допуска до FETCH_INTERVAL+30s. Нулевой cutoff
// (back-fill без временной границы) не трогается: там глубину ограничивает
// --limit.
func narrowCutoff(cutoff *time.Time) {
	if cutoff.IsZero() {
		return
	}
	conservative := time.Now().UTC().Add(-(config.FetchInterval() + conservativeSlack))
	if conservative.After(*cutoff) {
		*cutoff = conservative
	}
}

// enqueueProcess ставит задачу классификации сообщения.
func (f *Fetcher) enqueueProcess(ctx context.Context, countryID string, raw message.RawMessage) error {
	payload, err := taskbus.Marshal(taskbus.ProcessPayload{Raw: raw, CountryID: countryID})
	if err != nil {
		return err
	}
	return f.bus.Enqueue(ctx, taskbus.QueueProcessing, taskbus.TypeProcessMessage, payload,
		taskbus.ProcessKey(raw.Channel, raw.ExternalID))
}
