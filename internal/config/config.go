package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Exchange           ExchangeConfig          `yaml:"exchange"`
	Trading            TradingConfig           `yaml:"trading"`
	Monitor            MonitorConfig           `yaml:"monitor"`
	Notify             NotifyConfig            `yaml:"notify"`
	Storage            StorageConfig           `yaml:"storage"`
	UI                 UIConfig                `yaml:"ui"`
	Log                LogConfig               `yaml:"log"`
	TradeOpportunities []models.TradeCandidate `yaml:"trade_opportunities"`
}

// ExchangeConfig содержит настройки подключения к Bitget
type ExchangeConfig struct {
	Credentials       models.Credentials         `yaml:"credentials"`
	MarginCoin        string                     `yaml:"margin_coin"`
	Endpoints         []models.EndpointCandidate `yaml:"endpoints"`
	ProbeTimeoutMs    int                        `yaml:"probe_timeout_ms"`
	RequestTimeoutMs  int                        `yaml:"request_timeout_ms"`
	RequestsPerSecond float64                    `yaml:"requests_per_second"`
	Retry             RetryConfig                `yaml:"retry"`
}

// RetryConfig политика повторов для временных ошибок
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// TradingConfig содержит настройки торговли и риска
type TradingConfig struct {
	DryRun             bool    `yaml:"dry_run"`
	RiskMode           string  `yaml:"risk_mode"` // fixed | percent
	RiskPerTradeUSD    float64 `yaml:"risk_per_trade_usd"`
	RiskPerTradePct    float64 `yaml:"risk_per_trade_pct"`
	MaxPositionCount   int     `yaml:"max_position_count"`
	Leverage           int     `yaml:"leverage"`
	MaxAccountRiskPct  float64 `yaml:"max_account_risk_pct"`
	EntryOrderType     string  `yaml:"entry_order_type"` // limit | market
	FillTimeoutSeconds int     `yaml:"fill_timeout_seconds"`
	FillPollIntervalMs int     `yaml:"fill_poll_interval_ms"`
	LegRetryAttempts   int     `yaml:"leg_retry_attempts"`
	CloseUnprotected   *bool   `yaml:"close_unprotected"`
	MinScore           float64 `yaml:"min_score"`
	CandleGranularity  string  `yaml:"candle_granularity"`
}

// MonitorConfig настройки мониторинга позиций
type MonitorConfig struct {
	PollIntervalSeconds    int     `yaml:"poll_interval_seconds"`
	PartialTriggerFraction float64 `yaml:"partial_trigger_fraction"`
	PartialProfitFraction  float64 `yaml:"partial_profit_fraction"`
	PartialOrderType       string  `yaml:"partial_order_type"` // market | limit
	PositionAgeAlertHours  float64 `yaml:"position_age_alert_hours"`
	MaxConcurrentPolls     int     `yaml:"max_concurrent_polls"`
}

// NotifyConfig каналы оповещений
type NotifyConfig struct {
	QueueSize         int    `yaml:"queue_size"`
	TelegramBotToken  string `yaml:"telegram_bot_token"`
	TelegramChatID    int64  `yaml:"telegram_chat_id"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	WebSocketAddr     string `yaml:"websocket_addr"`
}

// StorageConfig настройки хранения событий
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
}

// DefaultEndpoints кандидаты в порядке приоритета: v2 раньше v1, основной хост раньше запасного
func DefaultEndpoints() []models.EndpointCandidate {
	return []models.EndpointCandidate{
		{BaseURL: "https://api.bitget.com", Version: "v2", PathPrefix: "/api/v2"},
		{BaseURL: "https://api.bitget.com", Version: "v2", PathPrefix: "/v2"},
		{BaseURL: "https://api.bitget.com", Version: "v1", PathPrefix: "/api/mix/v1"},
		{BaseURL: "https://api-swap.bitget.com", Version: "v1", PathPrefix: "/api/mix/v1"},
	}
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// .env необязателен, переменные окружения могут прийти и от системы
	if err := godotenv.Load(); err != nil {
		logger.Debug("Файл .env не найден, используются переменные окружения")
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Загружена конфигурация",
		zap.String("path", path),
		zap.Stringer("credentials", cfg.Exchange.Credentials),
		zap.Int("candidates", len(cfg.TradeOpportunities)),
		zap.Bool("dry_run", cfg.Trading.DryRun))
	return cfg, nil
}

// Parse разбирает YAML без чтения окружения и без значений по умолчанию
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.Exchange.Credentials.APIKey, "BITGET_API_KEY")
	setString(&c.Exchange.Credentials.APISecret, "BITGET_API_SECRET")
	setString(&c.Exchange.Credentials.Passphrase, "BITGET_PASSPHRASE")
	setString(&c.Notify.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Notify.DiscordWebhookURL, "DISCORD_WEBHOOK_URL")
	setString(&c.Storage.Token, "INFLUXDB_TOKEN")

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		} else {
			logger.Warn("Некорректный TELEGRAM_CHAT_ID", zap.Error(err))
		}
	}
}

// ApplyDefaults заполняет незаданные параметры и обрезает пробелы в ключах
func (c *Config) ApplyDefaults() {
	cr := &c.Exchange.Credentials
	cr.APIKey = strings.TrimSpace(cr.APIKey)
	cr.APISecret = strings.TrimSpace(cr.APISecret)
	cr.Passphrase = strings.TrimSpace(cr.Passphrase)

	ex := &c.Exchange
	if ex.MarginCoin == "" {
		ex.MarginCoin = "USDT"
	}
	if len(ex.Endpoints) == 0 {
		ex.Endpoints = DefaultEndpoints()
	}
	if ex.ProbeTimeoutMs <= 0 {
		ex.ProbeTimeoutMs = 3000
	}
	if ex.RequestTimeoutMs <= 0 {
		ex.RequestTimeoutMs = 10000
	}
	if ex.RequestsPerSecond <= 0 {
		ex.RequestsPerSecond = 10
	}
	if ex.Retry.MaxAttempts <= 0 {
		ex.Retry.MaxAttempts = 3
	}
	if ex.Retry.InitialBackoffMs <= 0 {
		ex.Retry.InitialBackoffMs = 500
	}
	if ex.Retry.MaxBackoffMs <= 0 {
		ex.Retry.MaxBackoffMs = 5000
	}

	tr := &c.Trading
	if tr.RiskMode == "" {
		tr.RiskMode = "fixed"
	}
	if tr.RiskPerTradeUSD <= 0 {
		tr.RiskPerTradeUSD = 6.0
	}
	if tr.RiskPerTradePct <= 0 {
		tr.RiskPerTradePct = 0.02
	}
	if tr.MaxPositionCount <= 0 {
		tr.MaxPositionCount = 5
	}
	if tr.Leverage <= 0 {
		tr.Leverage = 10
	}
	if tr.MaxAccountRiskPct <= 0 {
		tr.MaxAccountRiskPct = 0.02
	}
	if tr.EntryOrderType == "" {
		tr.EntryOrderType = "limit"
	}
	if tr.FillTimeoutSeconds <= 0 {
		tr.FillTimeoutSeconds = 60
	}
	if tr.FillPollIntervalMs <= 0 {
		tr.FillPollIntervalMs = 2000
	}
	if tr.LegRetryAttempts <= 0 {
		tr.LegRetryAttempts = 3
	}
	if tr.CloseUnprotected == nil {
		v := true
		tr.CloseUnprotected = &v
	}
	if tr.CandleGranularity == "" {
		tr.CandleGranularity = "15m"
	}

	mon := &c.Monitor
	if mon.PollIntervalSeconds <= 0 {
		mon.PollIntervalSeconds = 60
	}
	if mon.PartialTriggerFraction <= 0 {
		mon.PartialTriggerFraction = 0.5
	}
	if mon.PartialProfitFraction <= 0 {
		mon.PartialProfitFraction = 0.5
	}
	if mon.PartialOrderType == "" {
		mon.PartialOrderType = "market"
	}
	if mon.PositionAgeAlertHours <= 0 {
		mon.PositionAgeAlertHours = 24
	}
	if mon.MaxConcurrentPolls <= 0 {
		mon.MaxConcurrentPolls = 4
	}

	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = 256
	}
	if c.UI.RefreshRate <= 0 {
		c.UI.RefreshRate = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File == "" {
		c.Log.File = "app.log"
	}
	if c.Log.JSONFile == "" {
		c.Log.JSONFile = "app.json.log"
	}
}

// Validate проверяет согласованность параметров
func (c *Config) Validate() error {
	var errs []error

	for i, ep := range c.Exchange.Endpoints {
		if ep.BaseURL == "" || (ep.Version != "v1" && ep.Version != "v2") {
			errs = append(errs, fmt.Errorf("exchange.endpoints[%d]: нужен base_url и version v1|v2", i))
		}
	}

	tr := c.Trading
	if tr.RiskMode != "fixed" && tr.RiskMode != "percent" {
		errs = append(errs, fmt.Errorf("trading.risk_mode: неизвестный режим %q", tr.RiskMode))
	}
	if tr.EntryOrderType != "limit" && tr.EntryOrderType != "market" {
		errs = append(errs, fmt.Errorf("trading.entry_order_type: неизвестный тип %q", tr.EntryOrderType))
	}
	if tr.MaxAccountRiskPct >= 1 {
		errs = append(errs, errors.New("trading.max_account_risk_pct должен быть долей меньше 1"))
	}
	if tr.MinScore < 0 || tr.MinScore > 1 {
		errs = append(errs, errors.New("trading.min_score должен быть в диапазоне [0, 1]"))
	}

	mon := c.Monitor
	if mon.PartialTriggerFraction >= 1 {
		errs = append(errs, errors.New("monitor.partial_trigger_fraction должен быть меньше 1"))
	}
	if mon.PartialProfitFraction >= 1 {
		errs = append(errs, errors.New("monitor.partial_profit_fraction должен быть меньше 1"))
	}
	if mon.PartialOrderType != "market" && mon.PartialOrderType != "limit" {
		errs = append(errs, fmt.Errorf("monitor.partial_order_type: неизвестный тип %q", mon.PartialOrderType))
	}

	for i, tc := range c.TradeOpportunities {
		if err := validateCandidate(tc); err != nil {
			errs = append(errs, fmt.Errorf("trade_opportunities[%d] %s: %w", i, tc.Symbol, err))
		}
	}

	return errors.Join(errs...)
}

func validateCandidate(tc models.TradeCandidate) error {
	if tc.Symbol == "" {
		return errors.New("пустой символ")
	}
	if !tc.Side.Valid() {
		return fmt.Errorf("неизвестное направление %q", tc.Side)
	}
	if tc.Confidence.Rank() < 0 {
		return fmt.Errorf("неизвестная уверенность %q", tc.Confidence)
	}
	if tc.EntryPrice <= 0 || tc.TargetPrice <= 0 || tc.StopLossPrice <= 0 {
		return errors.New("цены должны быть положительными")
	}
	switch tc.Side {
	case models.SideLong:
		if !(tc.StopLossPrice < tc.EntryPrice && tc.EntryPrice < tc.TargetPrice) {
			return errors.New("для long нужно stop_loss < entry < target")
		}
	case models.SideShort:
		if !(tc.TargetPrice < tc.EntryPrice && tc.EntryPrice < tc.StopLossPrice) {
			return errors.New("для short нужно target < entry < stop_loss")
		}
	}
	if tc.BaseIncrement < 0 || tc.TickSize < 0 {
		return errors.New("шаги цены и объема не могут быть отрицательными")
	}
	return nil
}

// Вспомогательные методы для длительностей

func (c ExchangeConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c ExchangeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

func (c TradingConfig) FillTimeout() time.Duration {
	return time.Duration(c.FillTimeoutSeconds) * time.Second
}

func (c TradingConfig) FillPollInterval() time.Duration {
	return time.Duration(c.FillPollIntervalMs) * time.Millisecond
}

func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c MonitorConfig) AgeAlertThreshold() time.Duration {
	return time.Duration(c.PositionAgeAlertHours * float64(time.Hour))
}
