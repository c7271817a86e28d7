// Package config отвечает за сбор и предоставление конфигурации всего
// приложения (монитор каналов). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. загружает описание стран из JSON-файла (countries.json),
//  3. нормализует и валидирует входные значения,
//  4. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: страны описывают наборы каналов, политику классификации
// (ключевые слова, AI-флаги, дополнительные критерии), привязки синков
// (webhook, воркбук, CSV) и списки скрытых полей. Окружение управляет
// креденшелами MTProto и инференса, Redis, лимитами fetch-цикла и логированием.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные и файл сессии MTProto,
// ключ инференса, строка подключения Redis, лимиты fetch-цикла и т. д.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	// SessionLockFile — sidecar-локфайл эксклюзивного доступа к сессии.
	SessionLockFile string
	// WorkerPidDir — каталог pid-файлов воркеров, который сканирует SessionGuard.
	WorkerPidDir string

	InferenceAPIKey  string
	InferenceBaseURL string
	InferenceModel   string
	TranslateURL     string

	// WorkbookBaseURL/WorkbookToken — REST-сервис удалённых воркбуков.
	// Пустой токен допустим только когда ни одна страна не привязана к воркбуку.
	WorkbookBaseURL string
	WorkbookToken   string

	RedisURL      string
	CountriesFile string
	CSVDir        string

	LogLevel    string
	AppTimezone string
	ThrottleRPS int
	TestDC      bool

	FetchIntervalSeconds  int
	FetchMessageLimit     int
	MaxMessageAgeHours    int
	TrackingTTLHours      int
	WorkbookRetentionDays int
	// RateLimitThresholdSeconds — порог, выше которого flood-wait считается
	// «большим»: цикл прерывается и триггеры подавляются до дедлайна.
	RateLimitThresholdSeconds int
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel           = "info"
	defaultSessionFile        = "data/session.bin"
	defaultSessionLockFile    = "data/session.lock"
	defaultWorkerPidDir       = "data/workers"
	defaultCountriesFile      = "assets/countries.json"
	defaultCSVDir             = "data/csv"
	defaultAppTimezone        = "UTC"
	defaultThrottleRPS        = 1
	defaultRedisURL           = "redis://127.0.0.1:6379/0"
	defaultInferenceBaseURL   = "https://openrouter.ai/api/v1"
	defaultInferenceModel     = "openai/gpt-4o-mini"
	defaultTranslateURL       = "https://translate.googleapis.com/translate_a/single"
	defaultWorkbookBaseURL    = "https://graph.microsoft.com/v1.0"
	defaultFetchInterval      = 180
	defaultFetchMessageLimit  = 50
	defaultMaxMessageAgeHours = 4
	defaultTrackingTTLHours   = 24
	defaultRetentionDays      = 3
	defaultRateLimitThreshold = 60
)

// KeywordPair — пара форм ключевого слова: английская и нативная.
// В JSON задаётся массивом из одной или двух строк; одноэлементная форма —
// вырожденный случай одноязычного ключа (нативная форма равна английской).
type KeywordPair struct {
	English string
	Native  string
}

// UnmarshalJSON принимает ["protest","احتجاج"] либо ["protest"].
func (k *KeywordPair) UnmarshalJSON(data []byte) error {
	var forms []string
	if err := json.Unmarshal(data, &forms); err != nil {
		return err
	}
	switch len(forms) {
	case 1:
		k.English, k.Native = forms[0], forms[0]
	case 2:
		k.English, k.Native = forms[0], forms[1]
	default:
		return fmt.Errorf("keyword pair must have 1 or 2 forms, got %d", len(forms))
	}
	if strings.TrimSpace(k.English) == "" {
		return errors.New("keyword pair: english form is empty")
	}
	if strings.TrimSpace(k.Native) == "" {
		k.Native = k.English
	}
	return nil
}

// Policy — политика классификации страны. Списки упорядочены: порядок
// ключей в конфиге определяет порядок проверок и сообщаемых совпадений.
type Policy struct {
	SignificantKeywords []KeywordPair `json:"significant_keywords"`
	TrivialKeywords     []KeywordPair `json:"trivial_keywords"`
	ExcludeKeywords     []KeywordPair `json:"exclude_keywords"`

	UseAIForMessageFiltering  bool     `json:"use_ai_for_message_filtering"`
	UseAIForEnhancedFiltering bool     `json:"use_ai_for_enhanced_filtering"`
	AdditionalAICriteria      []string `json:"additional_ai_criteria"`
	TranslateTrivial          bool     `json:"translate_trivial"`
	UseAIForTranslation       bool     `json:"use_ai_for_translation"`
}

// Channel — наблюдаемый канал апстрима. Handle без ведущего @ нормализуется.
type Channel struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Workbook — привязка страны к удалённому воркбуку.
type Workbook struct {
	Site             string `json:"site"`
	Folder           string `json:"folder"`
	Filename         string `json:"filename"`
	SignificantSheet string `json:"significant_sheet"`
	TrivialSheet     string `json:"trivial_sheet"`
}

// Country — партиция: каналы, политика, привязки синков, исключения полей.
// Per-country списки исключений перекрывают глобальные, если заданы.
type Country struct {
	ID         string    `json:"-"`
	Name       string    `json:"name"`
	Channels   []Channel `json:"channels"`
	WebhookURL string    `json:"webhook_url"`
	Workbook   Workbook  `json:"workbook"`
	Policy     Policy    `json:"classification_policy"`

	WorkbookExcludedFields []string `json:"workbook_excluded_fields"`
	WebhookExcludedFields  []string `json:"webhook_excluded_fields"`
}

// QueueConfig — параметры одной очереди шины задач.
type QueueConfig struct {
	Concurrency   int     `json:"concurrency"`
	MaxRetries    int     `json:"max_retries"`
	BaseDelaySec  int     `json:"base_delay_sec"`
	BackoffFactor float64 `json:"backoff_factor"`
	TimeLimitSec  int     `json:"time_limit_sec"`
}

// AdminWebhook — служебный канал для системных событий.
type AdminWebhook struct {
	URL         string `json:"url"`
	ChannelName string `json:"channel_name"`
}

// Document — корневой объект countries.json.
type Document struct {
	AdminWebhook AdminWebhook `json:"admin_webhook"`
	Schema       struct {
		Fields []string `json:"fields"`
	} `json:"schema"`
	WorkbookExcludedFields []string               `json:"workbook_excluded_fields"`
	WebhookExcludedFields  []string               `json:"webhook_excluded_fields"`
	Queues                 map[string]QueueConfig `json:"queues"`
	Countries              map[string]Country     `json:"countries"`
}

// Config хранит конфигурацию среды и документа стран.
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	Doc      Document
	warnings []string
	mu       sync.RWMutex
}

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// При первом вызове читает .env, формирует EnvConfig, загружает countries.json
// и фиксирует результат в singleton. Повторный вызов запрещён, чтобы избежать
// гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки
// глобального состояния. Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}
	inferenceKey := strings.TrimSpace(os.Getenv("INFERENCE_API_KEY"))
	if inferenceKey == "" {
		return nil, errors.New("env INFERENCE_API_KEY must be set")
	}

	var warnings []string

	env := EnvConfig{
		APIID:           apiID,
		APIHash:         apiHash,
		PhoneNumber:     phone,
		SessionFile:     sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings),
		SessionLockFile: sanitizeFile("SESSION_LOCK_FILE", os.Getenv("SESSION_LOCK_FILE"), defaultSessionLockFile, &warnings),
		WorkerPidDir:    sanitizeFile("WORKER_PID_DIR", os.Getenv("WORKER_PID_DIR"), defaultWorkerPidDir, &warnings),

		InferenceAPIKey:  inferenceKey,
		InferenceBaseURL: sanitizeFile("INFERENCE_BASE_URL", os.Getenv("INFERENCE_BASE_URL"), defaultInferenceBaseURL, &warnings),
		InferenceModel:   sanitizeFile("INFERENCE_MODEL", os.Getenv("INFERENCE_MODEL"), defaultInferenceModel, &warnings),
		TranslateURL:     sanitizeFile("TRANSLATE_URL", os.Getenv("TRANSLATE_URL"), defaultTranslateURL, &warnings),

		WorkbookBaseURL: sanitizeFile("WORKBOOK_BASE_URL", os.Getenv("WORKBOOK_BASE_URL"), defaultWorkbookBaseURL, &warnings),
		WorkbookToken:   strings.TrimSpace(os.Getenv("WORKBOOK_TOKEN")),

		RedisURL:      sanitizeFile("REDIS_URL", os.Getenv("REDIS_URL"), defaultRedisURL, &warnings),
		CountriesFile: sanitizeFile("COUNTRIES_FILE", os.Getenv("COUNTRIES_FILE"), defaultCountriesFile, &warnings),
		CSVDir:        sanitizeFile("CSV_DIR", os.Getenv("CSV_DIR"), defaultCSVDir, &warnings),

		LogLevel:    sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		AppTimezone: sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings),
		ThrottleRPS: parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		TestDC:      strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),

		FetchIntervalSeconds:      parseIntDefault("FETCH_INTERVAL_SECONDS", defaultFetchInterval, greaterThanZero, &warnings),
		FetchMessageLimit:         parseIntDefault("FETCH_MESSAGE_LIMIT", defaultFetchMessageLimit, greaterThanZero, &warnings),
		MaxMessageAgeHours:        parseIntDefault("MAX_MESSAGE_AGE_HOURS", defaultMaxMessageAgeHours, greaterThanZero, &warnings),
		TrackingTTLHours:          parseIntDefault("TRACKING_TTL_HOURS", defaultTrackingTTLHours, greaterThanZero, &warnings),
		WorkbookRetentionDays:     parseIntDefault("WORKBOOK_RETENTION_DAYS", defaultRetentionDays, greaterThanZero, &warnings),
		RateLimitThresholdSeconds: parseIntDefault("RATE_LIMIT_THRESHOLD_SECONDS", defaultRateLimitThreshold, greaterThanZero, &warnings),
	}

	doc, err := loadDocument(env.CountriesFile)
	if err != nil {
		return nil, err
	}

	return &Config{Env: env, Doc: doc, warnings: warnings}, nil
}

// loadDocument читает и валидирует countries.json.
func loadDocument(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read countries file %s: %w", path, err)
	}
	if err = json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse countries file %s: %w", path, err)
	}
	if err = validateDocument(&doc); err != nil {
		return doc, fmt.Errorf("countries file %s: %w", path, err)
	}
	return doc, nil
}

// validateDocument навязывает минимальные инварианты: непустая схема с
// известными полями, хотя бы одна страна, у каждой страны каналы и листы.
// Handle каналов нормализуется (без ведущего @, в нижнем регистре).
func validateDocument(doc *Document) error {
	if len(doc.Schema.Fields) == 0 {
		return errors.New("schema.fields is empty")
	}
	for _, f := range doc.Schema.Fields {
		if !message.KnownField(f) {
			return fmt.Errorf("schema field %q is unknown", f)
		}
	}
	for _, f := range append(append([]string{}, doc.WorkbookExcludedFields...), doc.WebhookExcludedFields...) {
		if !message.KnownField(f) {
			return fmt.Errorf("excluded field %q is unknown", f)
		}
	}
	if len(doc.Countries) == 0 {
		return errors.New("countries map is empty")
	}
	for id, c := range doc.Countries {
		c.ID = id
		if strings.TrimSpace(c.Name) == "" {
			c.Name = id
		}
		if len(c.Channels) == 0 {
			return fmt.Errorf("country %q has no channels", id)
		}
		for i := range c.Channels {
			h := NormalizeHandle(c.Channels[i].Handle)
			if h == "" {
				return fmt.Errorf("country %q: channel %d has empty handle", id, i)
			}
			c.Channels[i].Handle = h
		}
		if c.Workbook.SignificantSheet == "" {
			c.Workbook.SignificantSheet = "Significant"
		}
		if c.Workbook.TrivialSheet == "" {
			c.Workbook.TrivialSheet = "Trivial"
		}
		for _, f := range append(append([]string{}, c.WorkbookExcludedFields...), c.WebhookExcludedFields...) {
			if !message.KnownField(f) {
				return fmt.Errorf("country %q: excluded field %q is unknown", id, f)
			}
		}
		doc.Countries[id] = c
	}
	return nil
}

// NormalizeHandle приводит @Handle к канонической форме: нижний регистр, без @.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Warnings возвращает предупреждения, накопленные при загрузке .env. Копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton: неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Countries возвращает карту стран из загруженного документа.
func Countries() map[string]Country {
	return cfgInstance.Doc.Countries
}

// Schema возвращает упорядоченный список логических полей.
func Schema() []string {
	return cfgInstance.Doc.Schema.Fields
}

// Admin возвращает настройки служебного webhook-канала.
func Admin() AdminWebhook {
	return cfgInstance.Doc.AdminWebhook
}

// WorkbookExcluded возвращает действующий список скрытых полей воркбука
// для страны: per-country список перекрывает глобальный.
func WorkbookExcluded(c Country) []string {
	if len(c.WorkbookExcludedFields) > 0 {
		return c.WorkbookExcludedFields
	}
	return cfgInstance.Doc.WorkbookExcludedFields
}

// WebhookExcluded — аналогично для webhook-карточек.
func WebhookExcluded(c Country) []string {
	if len(c.WebhookExcludedFields) > 0 {
		return c.WebhookExcludedFields
	}
	return cfgInstance.Doc.WebhookExcludedFields
}

// Queue возвращает настройки очереди по имени, либо дефолт из таблицы топологии.
func Queue(name string) QueueConfig {
	if q, ok := cfgInstance.Doc.Queues[name]; ok {
		return withQueueDefaults(name, q)
	}
	return defaultQueueConfig(name)
}

// defaultQueueConfig — таблица топологии очередей по умолчанию.
func defaultQueueConfig(name string) QueueConfig {
	switch name {
	case "fetch":
		return QueueConfig{Concurrency: 1, MaxRetries: 3, BaseDelaySec: 60, BackoffFactor: 2, TimeLimitSec: 240}
	case "processing":
		return QueueConfig{Concurrency: 3, MaxRetries: 3, BaseDelaySec: 30, BackoffFactor: 2, TimeLimitSec: 120}
	case "webhook":
		return QueueConfig{Concurrency: 2, MaxRetries: 5, BaseDelaySec: 60, BackoffFactor: 1.5, TimeLimitSec: 60}
	case "workbook":
		return QueueConfig{Concurrency: 2, MaxRetries: 5, BaseDelaySec: 180, BackoffFactor: 2, TimeLimitSec: 120}
	case "csv":
		return QueueConfig{Concurrency: 1, MaxRetries: 3, BaseDelaySec: 15, BackoffFactor: 2, TimeLimitSec: 30}
	case "maintenance":
		return QueueConfig{Concurrency: 1, MaxRetries: 3, BaseDelaySec: 60, BackoffFactor: 2, TimeLimitSec: 300}
	}
	return QueueConfig{Concurrency: 1, MaxRetries: 3, BaseDelaySec: 60, BackoffFactor: 2, TimeLimitSec: 120}
}

// withQueueDefaults заполняет нули значениями из таблицы по умолчанию.
func withQueueDefaults(name string, q QueueConfig) QueueConfig {
	def := defaultQueueConfig(name)
	if q.Concurrency <= 0 {
		q.Concurrency = def.Concurrency
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = def.MaxRetries
	}
	if q.BaseDelaySec <= 0 {
		q.BaseDelaySec = def.BaseDelaySec
	}
	if q.BackoffFactor <= 0 {
		q.BackoffFactor = def.BackoffFactor
	}
	if q.TimeLimitSec <= 0 {
		q.TimeLimitSec = def.TimeLimitSec
	}
	return q
}

// FetchInterval возвращает период fetch-цикла как Duration.
func FetchInterval() time.Duration {
	return time.Duration(Env().FetchIntervalSeconds) * time.Second
}

// MaxMessageAge — жёсткая граница возраста сообщения.
func MaxMessageAge() time.Duration {
	return time.Duration(Env().MaxMessageAgeHours) * time.Hour
}

// TrackingTTL — TTL курсоров и dedupe-меток.
func TrackingTTL() time.Duration {
	return time.Duration(Env().TrackingTTLHours) * time.Hour
}

// CountryByChannel находит страну и канал по нормализованному handle.
func CountryByChannel(handle string) (Country, Channel, bool) {
	h := NormalizeHandle(handle)
	for _, c := range Countries() {
		for _, ch := range c.Channels {
			if ch.Handle == h {
				return c, ch, true
			}
		}
	}
	return Country{}, Channel{}, false
}

// parseRequiredInt читает обязательную целочисленную переменную окружения.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает непустое строковое значение либо fallback
// с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA-зона
// или UTC-смещение. При неудаче возвращает fallback с предупреждением.
func sanitizeTimezoneFlexible(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
