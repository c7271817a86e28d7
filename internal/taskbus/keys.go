package taskbus

import "fmt"

// Стабильные имена приёмников в ключах идемпотентности.
const (
	SinkWorkbook = "workbook"
	SinkWebhook  = "webhook"
	SinkCSV      = "csv"
)

// TaskKey — детерминированный ключ идемпотентности задачи приёмника.
// Формат фиксирован: канал, внешний id сообщения, имя приёмника.
func TaskKey(channel string, externalID int64, sink string) string {
	return fmt.Sprintf("%s:%d:%s", channel, externalID, sink)
}

// ProcessKey — ключ задачи классификации: одно сообщение обрабатывается один раз.
func ProcessKey(channel string, externalID int64) string {
	return fmt.Sprintf("%s:%d:process", channel, externalID)
}
