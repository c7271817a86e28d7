// Package csvfile — локальный CSV-приёмник, истинная запись без исключений
// полей. Файлы по стране и вердикту: <country>_significant_messages.csv и
// <country>_trivial_messages.csv. Формат — стандартный CSV (RFC-экранирование,
// LF, UTF-8), заголовок пишется при создании файла.
package csvfile

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/logger"
	"telegram-monitor/internal/infra/storage"

	"github.com/go-faster/errors"
)

// Writer — CSV-приёмник. Потокобезопасен: записи в один файл сериализуются.
type Writer struct {
	dir    string
	schema []string

	mu sync.Mutex
}

// NewWriter возвращает приёмник, пишущий в каталог dir по глобальной схеме.
func NewWriter(dir string, schema []string) *Writer {
	return &Writer{dir: dir, schema: schema}
}

// FileFor — имя файла для страны и класса вердикта.
func FileFor(countryID string, significant bool) string {
	if significant {
		return countryID + "_significant_messages.csv"
	}
	return countryID + "_trivial_messages.csv"
}

// Append пишет одну строку сообщения. Файл создаётся с заголовком при
// первом обращении. Ошибки ввода-вывода ретраибельны на уровне очереди.
func (w *Writer) Append(countryID string, significant bool, msg *message.Processed) error {
	row, err := msg.Project(w.schema, nil)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkSchemaMismatch, "csv projection: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, FileFor(countryID, significant))
	if err := storage.EnsureDir(path); err != nil {
		return err
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	cw := csv.NewWriter(f)
	if isNew {
		if err := cw.Write(w.schema); err != nil {
			return errors.Wrap(err, "write header")
		}
	}
	if err := cw.Write(row); err != nil {
		return errors.Wrap(err, "write row")
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "flush csv")
	}
	return f.Sync()
}

// Writable проверяет, что каталог доступен на запись (режим test).
func (w *Writer) Writable() error {
	probe := filepath.Join(w.dir, ".write_probe")
	if err := storage.AtomicWriteFile(probe, []byte("ok")); err != nil {
		return errors.Wrap(err, "csv dir probe")
	}
	return os.Remove(probe)
}

// MaxExternalID сканирует оба файла страны и возвращает максимальный
// message_id канала. Холодный старт: курсор в кэше потерян, но CSV как
// ground truth позволяет его восстановить.
func (w *Writer) MaxExternalID(countryID, channel string) (int64, error) {
	idIdx, chIdx := indexOf(w.schema, message.FieldMessageID), indexOf(w.schema, message.FieldChannel)
	if idIdx < 0 || chIdx < 0 {
		return 0, errors.New("schema has no message_id/channel fields")
	}

	var max int64
	for _, significant := range []bool{true, false} {
		path := filepath.Join(w.dir, FileFor(countryID, significant))
		id, err := scanMax(path, idIdx, chIdx, channel)
		if err != nil {
			return 0, err
		}
		if id > max {
			max = id
		}
	}
	return max, nil
}

func scanMax(path string, idIdx, chIdx int, channel string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var max int64
	first := true
	for {
		rec, err := r.Read()
		if err != nil {
			break // io.EOF либо битая строка — для скана холодного старта не фатально
		}
		if first {
			first = false
			continue
		}
		if chIdx >= len(rec) || idIdx >= len(rec) || rec[chIdx] != channel {
			continue
		}
		id, perr := strconv.ParseInt(rec[idIdx], 10, 64)
		if perr != nil {
			logger.Debugf("csv scan: bad message_id %q in %s", rec[idIdx], path)
			continue
		}
		if id > max {
			max = id
		}
	}
	return max, nil
}

func indexOf(fields []string, name string) int {
	for i, f := range fields {
		if f == name {
			return i
		}
	}
	return -1
}
