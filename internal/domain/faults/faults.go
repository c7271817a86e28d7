// Package faults — словарь видов ошибок конвейера и их политик.
// Каждый вид из таблицы обработки ошибок представлен sentinel-ошибкой либо
// типизированной структурой; адаптеры нормализуют свои ошибки в эти виды,
// а воркеры выбирают политику (ретрай, алерт, dead-letter) по errors.Is/As.
package faults

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrConfigInvalid — конфигурация не прошла валидацию. Фатально на старте.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrSessionConflict — сессию уже держит другой процесс. Не ретраится.
	ErrSessionConflict = errors.New("session conflict")

	// ErrSessionBusy — лок не получен за отведённое окно ожидания.
	ErrSessionBusy = errors.New("session busy")

	// ErrAuthRequired — апстрим требует повторной авторизации; fetch-воркеры
	// останавливаются до вмешательства оператора.
	ErrAuthRequired = errors.New("auth required")

	// ErrTransient — временный сетевой сбой; ретрай по политике очереди.
	ErrTransient = errors.New("transient network error")

	// ErrSinkTransient — временный сбой синка; ретрай + admin-алерт не чаще
	// раза в час на синк.
	ErrSinkTransient = errors.New("sink transient error")

	// ErrSinkInit — не удалось инициализировать сессию воркбука после ретраев.
	ErrSinkInit = errors.New("sink init failed")

	// ErrSinkSchemaMismatch — проекция строки не совпала со схемой листа.
	// Фатально для задачи: dead-letter, payload в DEBUG-лог.
	ErrSinkSchemaMismatch = errors.New("sink schema mismatch")

	// ErrAIUnavailable — сервис инференса недоступен; классификатор деградирует
	// до keyword-вердикта с суффиксом метода _ai_unavailable.
	ErrAIUnavailable = errors.New("ai unavailable")

	// ErrTranslatorUnavailable — перевод недоступен; дальше идёт оригинал
	// с was_translated=false.
	ErrTranslatorUnavailable = errors.New("translator unavailable")

	// ErrTrackingUnavailable — кэш трекинга недоступен; цикл переходит на
	// консервативный допуск по времени и пропускает обновления курсора.
	ErrTrackingUnavailable = errors.New("tracking store unavailable")

	// ErrDedupHit — повтор (channel, external_id) внутри TTL-окна.
	// Задача тихо завершается как успешная.
	ErrDedupHit = errors.New("dedup hit")
)

// RateLimited сообщает, что апстрим потребовал паузу в Wait.
// Большие значения (выше порога) переводят планировщик в режим подавления
// fetch-триггеров до дедлайна.
type RateLimited struct {
	Wait time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: wait %s", e.Wait)
}

// AsRateLimited извлекает RateLimited из цепочки ошибок.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
