package telegram

import (
	"context"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/config"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"
)

// Client — фабрика короткоживущих MTProto-соединений. Соединение живёт один
// цикл опроса: поднялись, выбрали историю, закрылись. Долгоживущего стрима
// апдейтов здесь нет намеренно.
type Client struct {
	env *config.EnvConfig
}

// NewClient возвращает фабрику соединений поверх переменных окружения.
func NewClient(env *config.EnvConfig) *Client {
	return &Client{env: env}
}

// options собирает опции gotd-клиента: файловая сессия, flood-wait и
// ограничитель частоты запросов как middleware, тестовый DC по флагу.
func (c *Client) options() telegram.Options {
	opts := telegram.Options{
		SessionStorage: &FileStorage{Path: c.env.SessionFile},
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter(),
			ratelimit.New(
				rate.Limit(c.env.ThrottleRPS),
				c.env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "0.1.0",
		},
	}
	if c.env.TestDC {
		opts.DCList = dcs.Test()
	}
	return opts
}

// Run поднимает соединение, проверяет авторизацию и выполняет fn.
// Отсутствующая или отозванная сессия — faults.ErrAuthRequired: монитор не
// имеет права инициировать интерактивный вход из фонового цикла.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context, api *tg.Client) error) error {
	client := telegram.NewClient(c.env.APIID, c.env.APIHash, c.options())
	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return errors.Wrap(err, "auth status")
		}
		if !status.Authorized {
			return errors.Wrap(faults.ErrAuthRequired, "session is not authorized")
		}
		return fn(ctx, client.API())
	})
	if err != nil && !errors.Is(err, faults.ErrAuthRequired) && isAuthError(err) {
		return errors.Wrap(faults.ErrAuthRequired, err.Error())
	}
	return err
}

// CheckAuth поднимает соединение только ради проверки статуса авторизации
// (режим test). Интерактивного входа здесь нет: блоб сессии готовится заранее.
func (c *Client) CheckAuth(ctx context.Context) error {
	return c.Run(ctx, func(_ context.Context, _ *tg.Client) error { return nil })
}
