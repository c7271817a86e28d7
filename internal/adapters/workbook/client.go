// Package workbook — приёмник «удалённый воркбук»: REST-клиент сервиса
// электронных таблиц (Graph-совместимые пути). Запись построчная: сессия,
// used range, bootstrap заголовка на пустом листе, строка в следующий
// свободный слот. Сессия кэшируется и перевыпускается по 401 ровно один раз.
package workbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

const (
	opTimeout = 30 * time.Second
	// sessionTimeout — общее окно на выпуск сессии, включая все попытки.
	sessionTimeout  = 45 * time.Second
	sessionAttempts = 3
)

// Client — HTTP-клиент сервиса воркбуков. Потокобезопасен; сессии
// кэшируются по пути воркбука.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	mu       sync.Mutex
	sessions map[string]string // путь воркбука → session id
}

// NewClient собирает клиент из переменных окружения.
func NewClient(env *config.EnvConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(env.WorkbookBaseURL, "/"),
		token:    env.WorkbookToken,
		http:     &http.Client{Timeout: opTimeout},
		sessions: make(map[string]string),
	}
}

// workbookPath — адрес воркбука в REST-пространстве сервиса.
func workbookPath(wb config.Workbook) string {
	return fmt.Sprintf("/sites/%s/drive/root:/%s/%s:/workbook", wb.Site, wb.Folder, wb.Filename)
}

// Sink — привязка клиента к воркбуку конкретной страны.
type Sink struct {
	client   *Client
	wb       config.Workbook
	schema   []string
	excluded []string
}

// NewSink возвращает воркбук-приёмник страны: строки проецируются через
// глобальную схему минус workbook-исключения страны.
func NewSink(client *Client, wb config.Workbook, schema, excluded []string) *Sink {
	return &Sink{client: client, wb: wb, schema: schema, excluded: excluded}
}

// Append пишет одну строку на лист sheet. Пустой лист (rowCount ≤ 1 и пустая
// первая ячейка) сначала получает строку заголовков.
func (s *Sink) Append(ctx context.Context, sheet string, row []string) error {
	return s.client.withSession(ctx, s.wb, func(ctx context.Context, sessionID string) error {
		next, empty, err := s.client.nextFreeRow(ctx, s.wb, sheet, sessionID)
		if err != nil {
			return err
		}
		if empty {
			labels := toCells(message.ProjectLabels(s.schema, s.excluded))
			if err := s.client.writeRow(ctx, s.wb, sheet, sessionID, 1, labels); err != nil {
				return errors.Wrap(err, "write header")
			}
			next = 2
		}
		return s.client.writeRow(ctx, s.wb, sheet, sessionID, next, toCells(row))
	})
}

// DeleteOlderThan удаляет строки данных, чья последняя колонка (метка
// времени processed_at) старше cutoff. Строки добавляются в хронологическом
// порядке, поэтому удаляется непрерывный префикс после заголовка одним
// сдвигом вверх. Если последняя колонка не парсится как время, ничего
// не удаляется.
func (s *Sink) DeleteOlderThan(ctx context.Context, sheet string, cutoff time.Time, parse func(string) (time.Time, bool)) (int, error) {
	deleted := 0
	err := s.client.withSession(ctx, s.wb, func(ctx context.Context, sessionID string) error {
		values, err := s.client.usedValues(ctx, s.wb, sheet, sessionID)
		if err != nil {
			return err
		}
		if len(values) <= 1 {
			return nil
		}
		// Ищем последнюю устаревшую строку данных; значения начинаются с заголовка.
		last := 0
		for i := 1; i < len(values); i++ {
			row := values[i]
			if len(row) == 0 {
				break
			}
			ts, ok := parse(row[len(row)-1])
			if !ok || !ts.Before(cutoff) {
				break
			}
			last = i
		}
		if last == 0 {
			return nil
		}
		deleted = last
		lastCol := columnLetter(len(message.ProjectLabels(s.schema, s.excluded)))
		address := fmt.Sprintf("A2:%s%d", lastCol, last+1)
		return s.client.deleteRange(ctx, s.wb, sheet, sessionID, address)
	})
	return deleted, err
}

// Validate выполняет лёгкое чтение метаданных (режим test).
func (s *Sink) Validate(ctx context.Context) error {
	return s.client.withSession(ctx, s.wb, func(ctx context.Context, sessionID string) error {
		var out struct {
			Value []struct {
				Name string `json:"name"`
			} `json:"value"`
		}
		return s.client.doJSON(ctx, http.MethodGet,
			workbookPath(s.wb)+"/worksheets", sessionID, nil, &out)
	})
}

// withSession выполняет fn с действующей сессией; 401 инвалидирует сессию
// и даёт ровно один повтор с новой.
func (c *Client) withSession(ctx context.Context, wb config.Workbook, fn func(ctx context.Context, sessionID string) error) error {
	sessionID, err := c.ensureSession(ctx, wb)
	if err != nil {
		return err
	}
	err = fn(ctx, sessionID)
	if isUnauthorized(err) {
		logger.Warn("workbook session expired, re-issuing")
		c.dropSession(wb)
		sessionID, err = c.ensureSession(ctx, wb)
		if err != nil {
			return err
		}
		return fn(ctx, sessionID)
	}
	return err
}

// ensureSession возвращает кэшированную сессию либо выпускает новую:
// до трёх попыток в окне sessionTimeout, валидация чтением метаданных.
// Исчерпание попыток — faults.ErrSinkInit.
func (c *Client) ensureSession(ctx context.Context, wb config.Workbook) (string, error) {
	path := workbookPath(wb)

	c.mu.Lock()
	if id, ok := c.sessions[path]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	var sessionID string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sessionAttempts-1), ctx)
	err := backoff.Retry(func() error {
		var out struct {
			ID string `json:"id"`
		}
		body := map[string]bool{"persistChanges": true}
		if err := c.doJSON(ctx, http.MethodPost, path+"/createSession", "", body, &out); err != nil {
			return err
		}
		if out.ID == "" {
			return errors.New("empty session id")
		}
		// Валидация: сессия обязана пережить хотя бы одно чтение метаданных.
		var meta struct {
			Value []json.RawMessage `json:"value"`
		}
		if err := c.doJSON(ctx, http.MethodGet, path+"/worksheets", out.ID, nil, &meta); err != nil {
			return err
		}
		sessionID = out.ID
		return nil
	}, policy)
	if err != nil {
		return "", errors.Wrapf(faults.ErrSinkInit, "workbook session for %s: %v", wb.Filename, err)
	}

	c.mu.Lock()
	c.sessions[path] = sessionID
	c.mu.Unlock()
	return sessionID, nil
}

func (c *Client) dropSession(wb config.Workbook) {
	c.mu.Lock()
	delete(c.sessions, workbookPath(wb))
	c.mu.Unlock()
}

// nextFreeRow возвращает номер следующей свободной строки и признак пустого
// листа (rowCount ≤ 1 считается пустым по протоколу bootstrap).
func (c *Client) nextFreeRow(ctx context.Context, wb config.Workbook, sheet, sessionID string) (int, bool, error) {
	var out struct {
		RowCount int `json:"rowCount"`
	}
	url := fmt.Sprintf("%s/worksheets('%s')/usedRange?$select=rowCount", workbookPath(wb), sheet)
	if err := c.doJSON(ctx, http.MethodGet, url, sessionID, nil, &out); err != nil {
		return 0, false, err
	}
	if out.RowCount <= 1 {
		return 2, true, nil
	}
	return out.RowCount + 1, false, nil
}

// usedValues читает значения used range (для retention-очистки).
func (c *Client) usedValues(ctx context.Context, wb config.Workbook, sheet, sessionID string) ([][]string, error) {
	var out struct {
		Values [][]any `json:"values"`
	}
	url := fmt.Sprintf("%s/worksheets('%s')/usedRange?$select=values", workbookPath(wb), sheet)
	if err := c.doJSON(ctx, http.MethodGet, url, sessionID, nil, &out); err != nil {
		return nil, err
	}
	values := make([][]string, len(out.Values))
	for i, row := range out.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = fmt.Sprint(cell)
		}
		values[i] = cells
	}
	return values, nil
}

// writeRow пишет одну строку значений начиная с колонки A.
func (c *Client) writeRow(ctx context.Context, wb config.Workbook, sheet, sessionID string, row int, cells []any) error {
	address := fmt.Sprintf("A%d:%s%d", row, columnLetter(len(cells)), row)
	url := fmt.Sprintf("%s/worksheets('%s')/range(address='%s')", workbookPath(wb), sheet, address)
	body := map[string]any{"values": [][]any{cells}}
	return c.doJSON(ctx, http.MethodPatch, url, sessionID, body, nil)
}

// deleteRange удаляет диапазон со сдвигом вверх.
func (c *Client) deleteRange(ctx context.Context, wb config.Workbook, sheet, sessionID, address string) error {
	url := fmt.Sprintf("%s/worksheets('%s')/range(address='%s')/delete", workbookPath(wb), sheet, address)
	body := map[string]string{"shift": "Up"}
	return c.doJSON(ctx, http.MethodPost, url, sessionID, body, nil)
}

// statusError — HTTP-ошибка сервиса с кодом.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("workbook status %d: %s", e.code, e.body)
}

func isUnauthorized(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusUnauthorized
}

// doJSON выполняет один запрос с токеном и (опционально) session id.
// 429/5xx помечаются faults.ErrSinkTransient для ретраев шины.
func (c *Client) doJSON(ctx context.Context, method, path, sessionID string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("workbook-session-id", sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkTransient, "workbook call: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(faults.ErrSinkTransient, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Wrapf(faults.ErrSinkTransient, "workbook status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &statusError{code: resp.StatusCode, body: truncate(string(raw), 200)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func toCells(row []string) []any {
	cells := make([]any, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return cells
}

// columnLetter переводит номер колонки (с единицы) в буквенный адрес.
func columnLetter(n int) string {
	letters := ""
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
