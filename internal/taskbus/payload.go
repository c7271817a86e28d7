package taskbus

import (
	"encoding/json"

	"telegram-monitor/internal/domain/message"

	"github.com/go-faster/errors"
)

// FetchPayload — параметры цикла опроса.
type FetchPayload struct {
	// Historical — разовый проход по истории вместо инкрементального цикла.
	Historical bool `json:"historical,omitempty"`
	// Limit переопределяет лимит сообщений на канал (0 — из конфигурации).
	Limit int `json:"limit,omitempty"`
}

// ProcessPayload — одно сырое сообщение на классификацию.
type ProcessPayload struct {
	Raw           message.RawMessage `json:"raw"`
	CountryID     string             `json:"country_id"`
	CorrelationID string             `json:"correlation_id"`
}

// SinkPayload — обработанное сообщение для конкретного приёмника.
type SinkPayload struct {
	Processed message.Processed `json:"processed"`
	CountryID string            `json:"country_id"`
}

// Marshal сериализует пэйлоад задачи.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return data, nil
}

// Unmarshal разбирает пэйлоад задачи в v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}
