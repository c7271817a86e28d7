// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон и форматирование локальных меток для лог-строк.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA-таймзону (например, "Asia/Baghdad"),
// либо UTC-смещение (например, "+03:00", "-0700", "UTC+3").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := parseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

var offsetRe = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// parseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "Z".
func parseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)

	m := offsetRe.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil || hours > 14 {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		if mins, err = strconv.Atoi(m[3]); err != nil || mins > 59 {
			return nil, false
		}
	}
	offset := sign * (hours*3600 + mins*60)
	name := fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, mins)
	return time.FixedZone(name, offset), true
}

// Stamp форматирует время в локальную метку для человекочитаемых строк
// (сводки цикла, admin-алерты). Формат фиксирован.
func Stamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
