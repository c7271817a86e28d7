package telegram

import (
	"context"
	"sort"
	"strconv"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// pageSize — размер страницы истории; серверный максимум — 100.
const pageSize = 100

// FetchOptions — параметры выборки новых сообщений одного канала.
type FetchOptions struct {
	// Handle — @-имя канала (для журнала и полей результата).
	Handle string
	// SinceID — курсор: выбираются только сообщения с id строго больше.
	SinceID int64
	// Limit — максимум сообщений за цикл.
	Limit int
	// Cutoff ограничивает глубину пагинации: страницы целиком старше не
	// запрашиваются. Пофайновую фильтрацию по возрасту делает вызывающий,
	// чтобы вести счётчик skipped_age.
	Cutoff time.Time
	// FloodWaitThreshold — порог «короткого» flood-wait: меньшие пережидаем
	// на месте с одним повтором, большие отдаём наружу как RateLimited.
	FloodWaitThreshold time.Duration
}

// FetchNew выбирает новые сообщения канала страницами от новых к старым и
// возвращает их в порядке возрастания id. Ошибки нормализуются: flood-wait —
// faults.RateLimited, отзыв сессии — faults.ErrAuthRequired, остальное —
// faults.ErrTransient.
func FetchNew(ctx context.Context, api *tg.Client, peer *tg.InputPeerChannel, opts FetchOptions) ([]message.RawMessage, error) {
	var out []message.RawMessage
	offsetID := 0

	for {
		page, err := getHistoryPage(ctx, api, peer, offsetID, int(opts.SinceID), opts.FloodWaitThreshold)
		if err != nil {
			return nil, errors.Wrapf(err, "history %s", opts.Handle)
		}
		if len(page) == 0 {
			break
		}

		oldest := page[len(page)-1].ID
		for _, msg := range page {
			raw, ok := mapMessage(opts.Handle, msg)
			if !ok {
				continue
			}
			out = append(out, raw)
		}

		if len(page) < pageSize || len(out) >= opts.Limit {
			break
		}
		// Страница старше cutoff целиком — глубже смысла идти нет.
		if !opts.Cutoff.IsZero() && time.Unix(int64(page[len(page)-1].Date), 0).Before(opts.Cutoff) {
			break
		}
		offsetID = oldest
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		// Лимит срезает самые старые: свежий хвост важнее.
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// getHistoryPage выполняет один MessagesGetHistory с нормализацией ошибок
// и локальным пережиданием короткого flood-wait.
func getHistoryPage(ctx context.Context, api *tg.Client, peer *tg.InputPeerChannel, offsetID, minID int, threshold time.Duration) ([]*tg.Message, error) {
	req := &tg.MessagesGetHistoryRequest{
		Peer:     &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: peer.AccessHash},
		OffsetID: offsetID,
		Limit:    pageSize,
		MinID:    minID,
	}

	history, err := api.MessagesGetHistory(ctx, req)
	if wait, ok := tgerr.AsFloodWait(err); ok {
		if wait > threshold {
			return nil, &faults.RateLimited{Wait: wait}
		}
		logger.Warnf("short flood wait %s, sleeping once", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		history, err = api.MessagesGetHistory(ctx, req)
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return nil, &faults.RateLimited{Wait: wait}
		}
	}
	if err != nil {
		return nil, mapError(err)
	}

	channelMsgs, ok := history.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, errors.Wrapf(faults.ErrTransient, "unexpected history type %T", history)
	}

	page := make([]*tg.Message, 0, len(channelMsgs.Messages))
	for _, m := range channelMsgs.Messages {
		if msg, ok := m.(*tg.Message); ok {
			page = append(page, msg)
		}
	}
	return page, nil
}

// mapMessage переводит tg.Message в доменную форму. Сообщения без текста и
// без медиа (служебные записи) отбрасываются.
func mapMessage(handle string, m *tg.Message) (message.RawMessage, bool) {
	media := mediaKind(m.Media)
	if m.Message == "" && media == "" {
		return message.RawMessage{}, false
	}
	return message.RawMessage{
		ExternalID:  int64(m.ID),
		Channel:     handle,
		AuthoredAt:  time.Unix(int64(m.Date), 0).UTC(),
		Sender:      senderOf(m, handle),
		Text:        m.Message,
		Media:       media,
		ForwardFrom: forwardOf(m),
	}, true
}

// senderOf — автор поста: подпись, затем явный peer, иначе сам канал.
func senderOf(m *tg.Message, handle string) string {
	if m.PostAuthor != "" {
		return m.PostAuthor
	}
	switch from := m.FromID.(type) {
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(from.UserID, 10)
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(from.ChannelID, 10)
	}
	return handle
}

func forwardOf(m *tg.Message) string {
	fwd, ok := m.GetFwdFrom()
	if !ok {
		return ""
	}
	if fwd.FromName != "" {
		return fwd.FromName
	}
	switch from := fwd.FromID.(type) {
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(from.ChannelID, 10)
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(from.UserID, 10)
	}
	return ""
}

// mediaKind сводит классы медиа к короткой метке для приёмников.
func mediaKind(media tg.MessageMediaClass) string {
	switch media.(type) {
	case nil, *tg.MessageMediaEmpty:
		return ""
	case *tg.MessageMediaPhoto:
		return "photo"
	case *tg.MessageMediaDocument:
		return "document"
	case *tg.MessageMediaWebPage:
		return "webpage"
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return "geo"
	case *tg.MessageMediaPoll:
		return "poll"
	default:
		return "other"
	}
}

// isAuthError распознаёт отзыв или отсутствие авторизации.
func isAuthError(err error) bool {
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED") {
		return true
	}
	if code, ok := tgerr.As(err); ok && code.Code == 401 {
		return true
	}
	return false
}

// mapError нормализует прочие ошибки RPC к доменным видам.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isAuthError(err):
		return errors.Wrap(faults.ErrAuthRequired, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errors.Wrapf(faults.ErrTransient, "telegram rpc: %v", err)
	}
}
