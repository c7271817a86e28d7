package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-monitor/internal/app"
	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
)

// Коды выхода процесса.
const (
	exitOK = iota
	exitConfig
	exitSessionRefusal
	exitExternal
)

func main() {
	os.Exit(run())
}

func run() int {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	limit := flag.Int("limit", 0, "message cap per channel (historical mode)")
	flag.Usage = usage
	flag.Parse()

	mode := flag.Arg(0)
	if mode == "" {
		mode = "monitor"
	}

	if err := config.Load(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	logger.Init(config.Env().LogLevel)

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New()
	if err != nil {
		logger.Error("app init failed", zap.Error(err))
		return exitExternal
	}
	defer a.Close()

	switch mode {
	case "monitor":
		err = a.RunMonitor(ctx)
	case "historical":
		err = a.RunHistorical(ctx, *limit)
	case "test":
		err = a.RunTest(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		usage()
		return exitConfig
	}

	if err != nil {
		logger.Error(mode+" failed", zap.Error(err))
		return exitCodeFor(err)
	}
	logger.Info("graceful shutdown complete")
	return exitOK
}

// exitCodeFor переводит доменную ошибку в код выхода процесса.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrConfigInvalid):
		return exitConfig
	case errors.Is(err, faults.ErrSessionBusy), errors.Is(err, faults.ErrSessionConflict):
		return exitSessionRefusal
	default:
		return exitExternal
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: monitor [flags] [mode]

modes:
  monitor      start scheduler and queue workers (default)
  historical   one synchronous back-fill pass (honors -limit)
  test         validate reachability of all external dependencies

flags:
`)
	flag.PrintDefaults()
}
