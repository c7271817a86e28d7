package telegram

import (
	"context"
	"encoding/json"
	"strings"

	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/storage"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

// peersBucket — bbolt-бакет с резолвленными каналами: handle → {id, access_hash}.
var peersBucket = []byte("channel_peers")

// peerRecord — запись кэша. access_hash привязан к аккаунту и сессии,
// при смене сессии кэш нужно сбрасывать целиком.
type peerRecord struct {
	ID         int64 `json:"id"`
	AccessHash int64 `json:"access_hash"`
}

// PeerCache — персистентный кэш резолва @handle → InputPeerChannel.
// Экономит ContactsResolveUsername: у метода жёсткий серверный лимит.
type PeerCache struct {
	db *bbolt.DB
}

// OpenPeerCache открывает (или создаёт) файл кэша.
func OpenPeerCache(path string) (*PeerCache, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open peer cache")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(peersBucket)
		return berr
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init peer cache bucket")
	}
	return &PeerCache{db: db}, nil
}

// Close закрывает файл кэша.
func (p *PeerCache) Close() error { return p.db.Close() }

// Resolve возвращает InputPeerChannel для @handle: сперва из кэша, при
// промахе — через ContactsResolveUsername с записью результата.
func (p *PeerCache) Resolve(ctx context.Context, api *tg.Client, handle string) (*tg.InputPeerChannel, error) {
	key := strings.ToLower(strings.TrimPrefix(handle, "@"))

	if rec, ok := p.get(key); ok {
		return &tg.InputPeerChannel{ChannelID: rec.ID, AccessHash: rec.AccessHash}, nil
	}

	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: key})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", handle)
	}
	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		p.put(key, peerRecord{ID: ch.ID, AccessHash: ch.AccessHash})
		return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
	}
	return nil, errors.Errorf("%s is not a channel", handle)
}

// Invalidate выбрасывает запись кэша (например после CHANNEL_INVALID).
func (p *PeerCache) Invalidate(handle string) {
	key := strings.ToLower(strings.TrimPrefix(handle, "@"))
	err := p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Delete([]byte(key))
	})
	if err != nil {
		logger.Warnf("peer cache invalidate %s: %v", handle, err)
	}
}

func (p *PeerCache) get(key string) (peerRecord, bool) {
	var rec peerRecord
	var found bool
	_ = p.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(peersBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warnf("peer cache: broken record for %s: %v", key, err)
			return nil
		}
		found = true
		return nil
	})
	return rec, found
}

func (p *PeerCache) put(key string, rec peerRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(key), raw)
	}); err != nil {
		logger.Warnf("peer cache put %s: %v", key, err)
	}
}
