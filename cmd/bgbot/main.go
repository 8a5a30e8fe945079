package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/skalibog/bgbot/internal/bot"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/internal/exchange"
	"github.com/skalibog/bgbot/internal/executor"
	"github.com/skalibog/bgbot/internal/monitor"
	"github.com/skalibog/bgbot/internal/notify"
	"github.com/skalibog/bgbot/internal/storage"
	"github.com/skalibog/bgbot/internal/ui"
	"github.com/skalibog/bgbot/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	live := flag.Bool("live", false, "отправлять реальные ордера (отключает dry-run)")
	testConnection := flag.Bool("test-connection", false, "проверить подключение к API и выйти")
	testAuth := flag.Bool("test-auth", false, "проверить ключи API и выйти")
	summary := flag.Bool("summary", false, "показать сводку по счету и выйти")
	cancelAll := flag.Bool("cancel-all", false, "отменить все активные ордера и выйти")
	minScore := flag.Float64("min-score", -1, "минимальная оценка кандидата [0-1]")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Файл конфигурации не найден: %s\n", *configPath)
		return 1
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		return 1
	}

	// Реальные ордера только с флагом -live и без dry_run в конфигурации
	cfg.Trading.DryRun = cfg.Trading.DryRun || !*live
	if *minScore >= 0 {
		if *minScore > 1 {
			fmt.Fprintln(os.Stderr, "-min-score должен быть в диапазоне [0, 1]")
			return 1
		}
		cfg.Trading.MinScore = *minScore
	}

	oneShot := *testConnection || *testAuth || *summary || *cancelAll
	useUI := cfg.UI.Enabled && !oneShot

	// В режиме UI вывод в консоль испортил бы экран
	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		Console:  cfg.Log.Console && !useUI,
		Truncate: useUI,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("bgbot запускается",
		zap.String("config", *configPath),
		zap.Stringer("credentials", cfg.Exchange.Credentials),
		zap.Bool("dry_run", cfg.Trading.DryRun),
		zap.Float64("min_score", cfg.Trading.MinScore),
		zap.Int("candidates", len(cfg.TradeOpportunities)))

	// SIGINT/SIGTERM останавливают опрос, но не начатые ордера
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	sinks := []notify.Notifier{notify.LogNotifier{}}
	var botOpts []bot.Option

	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID)
		if err != nil {
			logger.Warn("Telegram недоступен, уведомления туда не отправляются", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordNotifier(cfg.Notify.DiscordWebhookURL))
	}

	var wg sync.WaitGroup
	if cfg.Notify.WebSocketAddr != "" && !oneShot {
		hub := notify.NewHub()
		sinks = append(sinks, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.Serve(ctx, cfg.Notify.WebSocketAddr); err != nil {
				logger.Error("Ошибка WebSocket сервера", zap.Error(err))
			}
		}()
	}

	if cfg.Storage.Enabled {
		store, err := storage.NewInfluxDBStorage(ctx, cfg.Storage)
		if err != nil {
			logger.Warn("Хранилище событий недоступно", zap.Error(err))
		} else {
			defer store.Close()
			sinks = append(sinks, store)
			botOpts = append(botOpts, bot.WithStore(store))
		}
	}

	var termUI *ui.TermUI
	if useUI {
		termUI = ui.NewTermUI(cfg.UI, cfg.Log.JSONFile)
		sinks = append(sinks, termUI)
	}

	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, sinks...)
	// Закрывается до store.Close, чтобы очередь успела записаться
	defer dispatcher.Close()

	client := exchange.NewClient(cfg.Exchange)
	exec := executor.NewExecutor(client, dispatcher, cfg.Trading)
	mon := monitor.NewMonitor(client, exec, dispatcher, cfg.Monitor)
	b := bot.New(client, exec, mon, dispatcher, cfg, botOpts...)

	switch {
	case *testConnection:
		ep, err := b.VerifyConnectivity(ctx)
		if err != nil {
			fmt.Printf("❌ Нет подключения к Bitget: %v\n", err)
			return 1
		}
		fmt.Printf("✅ Подключено к %s\n", ep)
		return 0

	case *testAuth:
		account, err := b.TestAuthentication(ctx)
		if err != nil {
			fmt.Printf("❌ Аутентификация не пройдена: %v\n", err)
			fmt.Println("Что проверить:")
			for i, hint := range bot.AuthHints(err) {
				fmt.Printf("%d. %s\n", i+1, hint)
			}
			return 1
		}
		fmt.Printf("✅ Аутентификация успешна. Баланс: %.6f %s\n", account.Equity, cfg.Exchange.MarginCoin)
		return 0

	case *summary:
		if _, err := b.TestAuthentication(ctx); err != nil {
			fmt.Printf("❌ %v\n", err)
			return 1
		}
		s, err := b.Summary(ctx)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return 1
		}
		fmt.Print(s)
		return 0

	case *cancelAll:
		if _, err := b.TestAuthentication(ctx); err != nil {
			fmt.Printf("❌ %v\n", err)
			return 1
		}
		n, err := b.CancelAll(ctx)
		if cfg.Trading.DryRun {
			fmt.Printf("Dry-run: было бы отменено ордеров: %d\n", n)
		} else {
			fmt.Printf("Отменено ордеров: %d\n", n)
		}
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return 1
		}
		return 0
	}

	code := 0
	if termUI != nil {
		// UI в основном потоке, выход из UI останавливает бота
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := b.Run(ctx); err != nil {
				logger.Error("Ошибка работы бота", zap.Error(err))
				code = 1
			}
		}()
		if err := termUI.Start(ctx, mon); err != nil {
			logger.Error("Ошибка UI", zap.Error(err))
		}
		cancel()
	} else {
		if err := b.Run(ctx); err != nil {
			logger.Error("Ошибка работы бота", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Ошибка работы бота: %v\n", err)
			code = 1
		}
		cancel()
	}

	// Начатые ордера и перестановка ног доводятся до конца внутри Run
	wg.Wait()
	logger.Info("bgbot остановлен")
	return code
}
