package app

import (
	"context"
	"sync"
	"time"

	"telegram-monitor/internal/adapters/ai"
	"telegram-monitor/internal/adapters/translate"
	"telegram-monitor/internal/domain/classify"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
)

// Processor превращает сырое сообщение в обработанное: классификация по
// политике страны и перевод тела для рендеринга в приёмниках.
// Классификаторы и переводчики кэшируются по стране.
type Processor struct {
	ai *ai.Client

	mu          sync.Mutex
	classifiers map[string]*classify.Classifier
	translators map[string]*translate.Translator
}

// NewProcessor возвращает процессор поверх клиента инференса.
func NewProcessor(aiClient *ai.Client) *Processor {
	return &Processor{
		ai:          aiClient,
		classifiers: make(map[string]*classify.Classifier),
		translators: make(map[string]*translate.Translator),
	}
}

// forCountry лениво собирает пару классификатор+переводчик страны.
func (p *Processor) forCountry(countryID string, c config.Country) (*classify.Classifier, *translate.Translator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tr, ok := p.translators[countryID]
	if !ok {
		tr = translate.New(config.Env().TranslateURL, c.Policy.UseAIForTranslation, p.ai)
		p.translators[countryID] = tr
	}
	cl, ok := p.classifiers[countryID]
	if !ok {
		cl = classify.New(c, p.ai, tr)
		p.classifiers[countryID] = cl
	}
	return cl, tr
}

// Process классифицирует сообщение и достраивает поля для приёмников.
// Перевод тела выполняется, когда язык не английский И (вердикт significant
// ИЛИ для страны включён translate_trivial). CSV всегда получает оба поля.
func (p *Processor) Process(ctx context.Context, countryID string, country config.Country, raw message.RawMessage, correlationID string) *message.Processed {
	cl, tr := p.forCountry(countryID, country)
	outcome := cl.Classify(ctx, raw.Text)

	out := &message.Processed{
		ExternalID:      raw.ExternalID,
		Channel:         raw.Channel,
		Country:         country.Name,
		AuthoredAt:      raw.AuthoredAt,
		Sender:          raw.Sender,
		Text:            raw.Text,
		Translated:      raw.Text,
		Media:           raw.Media,
		ForwardFrom:     raw.ForwardFrom,
		Language:        outcome.Language,
		Verdict:         outcome.Verdict,
		Method:          outcome.Method,
		MatchedKeywords: outcome.Matched,
		Reasoning:       outcome.Reasoning,
		ProcessedAt:     time.Now().UTC(),
		CorrelationID:   correlationID,
	}

	needsTranslation := outcome.Language != classify.LangEnglish &&
		outcome.Verdict != message.VerdictExcluded &&
		(outcome.Verdict == message.VerdictSignificant || country.Policy.TranslateTrivial)
	if needsTranslation {
		lang, translated, was := tr.Translate(ctx, raw.Text)
		out.Language = lang
		out.Translated = translated
		out.WasTranslated = was
	}
	return out
}
