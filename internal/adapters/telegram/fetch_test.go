package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func TestMapMessage(t *testing.T) {
	authored := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		msg      *tg.Message
		wantOK   bool
		wantText string
		wantMed  string
		wantFwd  string
	}{
		{
			name:     "plainText",
			msg:      &tg.Message{ID: 101, Date: int(authored.Unix()), Message: "протесты в центре"},
			wantOK:   true,
			wantText: "протесты в центре",
		},
		{
			name:    "photoWithoutCaption",
			msg:     &tg.Message{ID: 102, Date: int(authored.Unix()), Media: &tg.MessageMediaPhoto{}},
			wantOK:  true,
			wantMed: "photo",
		},
		{
			name:   "serviceEmpty",
			msg:    &tg.Message{ID: 103, Date: int(authored.Unix())},
			wantOK: false,
		},
		{
			name:     "forwardedFromChannel",
			msg:      forwardedMessage(104, int(authored.Unix()), "fwd", &tg.PeerChannel{ChannelID: 555}),
			wantOK:   true,
			wantText: "fwd",
			wantFwd:  "channel:555",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := mapMessage("newsfeed", tt.msg)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if raw.Channel != "newsfeed" {
				t.Errorf("channel = %q", raw.Channel)
			}
			if raw.ExternalID != int64(tt.msg.ID) {
				t.Errorf("external id = %d", raw.ExternalID)
			}
			if !raw.AuthoredAt.Equal(authored) {
				t.Errorf("authored = %s", raw.AuthoredAt)
			}
			if raw.Text != tt.wantText {
				t.Errorf("text = %q", raw.Text)
			}
			if raw.Media != tt.wantMed {
				t.Errorf("media = %q", raw.Media)
			}
			if raw.ForwardFrom != tt.wantFwd {
				t.Errorf("forward = %q", raw.ForwardFrom)
			}
		})
	}
}

// forwardedMessage собирает сообщение с установленным флагом FwdFrom.
func forwardedMessage(id, date int, text string, from tg.PeerClass) *tg.Message {
	m := &tg.Message{ID: id, Date: date, Message: text}
	m.SetFwdFrom(tg.MessageFwdHeader{FromID: from})
	return m
}

func TestSenderOf(t *testing.T) {
	tests := []struct {
		name string
		msg  *tg.Message
		want string
	}{
		{name: "postAuthor", msg: &tg.Message{PostAuthor: "editor"}, want: "editor"},
		{name: "fromUser", msg: &tg.Message{FromID: &tg.PeerUser{UserID: 42}}, want: "user:42"},
		{name: "channelItself", msg: &tg.Message{}, want: "newsfeed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderOf(tt.msg, "newsfeed"); got != tt.want {
				t.Errorf("senderOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMediaKind(t *testing.T) {
	tests := []struct {
		name  string
		media tg.MessageMediaClass
		want  string
	}{
		{name: "none", media: nil, want: ""},
		{name: "empty", media: &tg.MessageMediaEmpty{}, want: ""},
		{name: "photo", media: &tg.MessageMediaPhoto{}, want: "photo"},
		{name: "document", media: &tg.MessageMediaDocument{}, want: "document"},
		{name: "geoLive", media: &tg.MessageMediaGeoLive{}, want: "geo"},
		{name: "unknown", media: &tg.MessageMediaDice{}, want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mediaKind(tt.media); got != tt.want {
				t.Errorf("mediaKind() = %q, want %q", got, tt.want)
			}
		})
	}
}
