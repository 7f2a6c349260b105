package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	ClickHouse  ClickHouseConfig `mapstructure:"clickhouse"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	MarketData  MarketDataConfig `mapstructure:"market_data"`
	Regime      RegimeConfig     `mapstructure:"regime"`
	Scoring     ScoringConfig    `mapstructure:"scoring"`
	Sizing      SizingConfig     `mapstructure:"sizing"`
	Allocation  AllocationConfig `mapstructure:"allocation"`
	Backtest    BacktestConfig   `mapstructure:"backtest"`
	Learning    LearningConfig   `mapstructure:"learning"`
	Governance  GovernanceConfig `mapstructure:"governance"`
	Scan        ScanConfig       `mapstructure:"scan"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gte=1,lte=65535"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxConns        int    `mapstructure:"max_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
	// PriceTTL is how long cached price histories stay valid.
	PriceTTL string `mapstructure:"price_ttl"`
}

type ClickHouseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	OutcomesTopic string   `mapstructure:"outcomes_topic"`
	GroupID       string   `mapstructure:"group_id"`
	Workers       int      `mapstructure:"workers"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   int64  `mapstructure:"chat_id"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type MarketDataConfig struct {
	// Source selects the adapter: postgres or clickhouse.
	Source          string `mapstructure:"source" validate:"oneof=postgres clickhouse"`
	Benchmark       string `mapstructure:"benchmark" validate:"required"`
	VolatilityIndex string `mapstructure:"volatility_index"`
	Timeout         string `mapstructure:"timeout"`
	MaxRetries      int    `mapstructure:"max_retries" validate:"gte=0"`
	LookbackDays    int    `mapstructure:"lookback_days" validate:"gte=1"`
}

type RegimeConfig struct {
	MinWindow   int     `mapstructure:"min_window" validate:"gte=20"`
	TrendWindow int     `mapstructure:"trend_window" validate:"gte=5"`
	SlopeWindow int     `mapstructure:"slope_window" validate:"gte=2"`
	VolWindow   int     `mapstructure:"vol_window" validate:"gte=2"`
	VolLookback int     `mapstructure:"vol_lookback" validate:"gte=20"`
	FlatBand    float64 `mapstructure:"flat_band" validate:"gte=0,lt=1"`
}

type ScoringConfig struct {
	MinHistory           int `mapstructure:"min_history" validate:"gte=60"`
	MinRobustnessHistory int `mapstructure:"min_robustness_history" validate:"gte=60"`
	MaxMissingBars       int `mapstructure:"max_missing_bars" validate:"gte=0"`
	RobustnessStep       int `mapstructure:"robustness_step" validate:"gte=1"`
	Workers              int `mapstructure:"workers" validate:"gte=0"`
}

type SizingConfig struct {
	MinObservations int     `mapstructure:"min_observations" validate:"gte=2"`
	Fraction        float64 `mapstructure:"fraction" validate:"gt=0,lte=1"`
	Cap             float64 `mapstructure:"cap" validate:"gt=0,lte=1"`
	DefaultFraction float64 `mapstructure:"default_fraction" validate:"gte=0,lte=1"`
}

type AllocationConfig struct {
	Method            string  `mapstructure:"method" validate:"oneof=kelly_constrained risk_parity mvo"`
	MaxWeight         float64 `mapstructure:"max_weight" validate:"gt=0,lte=1"`
	MinWeight         float64 `mapstructure:"min_weight" validate:"gte=0,lt=1"`
	TargetCorrelation float64 `mapstructure:"target_correlation" validate:"gte=0,lt=1"`
	MinRobustness     float64 `mapstructure:"min_robustness" validate:"gte=0,lte=1"`
	RequireRobustness bool    `mapstructure:"require_robustness"`
	RiskFreeRate      float64 `mapstructure:"risk_free_rate"`
}

type BacktestConfig struct {
	TrainingDays    int      `mapstructure:"training_days" validate:"gte=20"`
	TestingDays     int      `mapstructure:"testing_days" validate:"gte=1"`
	RebalanceDays   int      `mapstructure:"rebalance_days" validate:"gte=1"`
	MinTrainingBars int      `mapstructure:"min_training_bars" validate:"gte=20"`
	MaxPositions    int      `mapstructure:"max_positions" validate:"gte=1"`
	MinEligible     int      `mapstructure:"min_eligible" validate:"gte=1"`
	CostBps         float64  `mapstructure:"cost_bps" validate:"gte=0"`
	ForwardDays     int      `mapstructure:"forward_days" validate:"gte=1"`
	CashOutRegimes  []string `mapstructure:"cash_out_regimes"`
	Resamples       int      `mapstructure:"resamples" validate:"gte=10"`
	Confidence      float64  `mapstructure:"confidence" validate:"gt=0,lt=1"`
	Statistic       string   `mapstructure:"statistic" validate:"oneof=mean median"`
	Seed            int64    `mapstructure:"seed"`
}

type LearningConfig struct {
	ArtifactDir          string  `mapstructure:"artifact_dir" validate:"required"`
	LookbackDays         int     `mapstructure:"lookback_days" validate:"gte=1"`
	RetrainLookbackDays  int     `mapstructure:"retrain_lookback_days" validate:"gte=1"`
	RetrainMinNewSamples int     `mapstructure:"retrain_min_new_samples" validate:"gte=1"`
	RetrainMinHours      float64 `mapstructure:"retrain_min_hours" validate:"gte=0"`
	MinTrainSamples      int     `mapstructure:"min_train_samples" validate:"gte=10"`
	ValidationSplit      float64 `mapstructure:"validation_split" validate:"gt=0,lt=1"`
	SafeThreshold        float64 `mapstructure:"safe_threshold"`
	AggressiveThreshold  float64 `mapstructure:"aggressive_threshold"`
	PromotionMinAUC      float64 `mapstructure:"promotion_min_auc" validate:"gte=0,lte=1"`
	PromotionMinP3       float64 `mapstructure:"promotion_min_p3" validate:"gte=0,lte=1"`
	Trees                int     `mapstructure:"trees" validate:"gte=1"`
	MaxDepth             int     `mapstructure:"max_depth" validate:"gte=1,lte=8"`
	LearningRate         float64 `mapstructure:"learning_rate" validate:"gt=0,lte=1"`
	MinLeafSamples       int     `mapstructure:"min_leaf_samples" validate:"gte=1"`
	DriftThreshold       float64 `mapstructure:"drift_threshold" validate:"gt=0"`
	LockTTL              string  `mapstructure:"lock_ttl"`
}

type GovernanceConfig struct {
	MinSignals   int  `mapstructure:"min_signals" validate:"gte=1"`
	WindowDays   int  `mapstructure:"window_days" validate:"gte=1"`
	PauseAfter   int  `mapstructure:"pause_after" validate:"gte=1"`
	RetireAfter  int  `mapstructure:"retire_after" validate:"gte=1"`
	NotifyChange bool `mapstructure:"notify_change"`
}

type ScanConfig struct {
	Universe         []string `mapstructure:"universe"`
	MinRobustness    float64  `mapstructure:"min_robustness" validate:"gte=0,lte=1"`
	MaxPositions     int      `mapstructure:"max_positions" validate:"gte=1"`
	MinHistory       int      `mapstructure:"min_history" validate:"gte=1"`
	ForbiddenRegimes []string `mapstructure:"forbidden_regimes"`
	Output           string   `mapstructure:"output" validate:"required"`
	DecisionLog      string   `mapstructure:"decision_log"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults(viper.GetViper())

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("database.database_url", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL environment variable: %w", err)
	}
	if err := viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_BOT_TOKEN environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// BindFlags maps command-line flags onto configuration keys so that a flag
// set on the command line overrides the file and environment. Call it
// before Load.
func BindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag --%s for %s", name, key)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// Defaults returns a configuration holding only the built-in defaults.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &config
}

var validate = validator.New()

// Validate checks field ranges on a loaded configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Allocation.MinWeight > cfg.Allocation.MaxWeight {
		return fmt.Errorf("invalid configuration: allocation.min_weight %.4f exceeds max_weight %.4f",
			cfg.Allocation.MinWeight, cfg.Allocation.MaxWeight)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "celebrum_quant")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "300s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.price_ttl", "6h")

	v.SetDefault("clickhouse.host", "")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.database", "market")
	v.SetDefault("clickhouse.table", "daily_bars")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.outcomes_topic", "trade-outcomes")
	v.SetDefault("kafka.group_id", "outcome-tracker")
	v.SetDefault("kafka.workers", 2)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "celebrum-quant")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 0.2)

	v.SetDefault("market_data.source", "postgres")
	v.SetDefault("market_data.benchmark", "SPY")
	v.SetDefault("market_data.volatility_index", "VIX")
	v.SetDefault("market_data.timeout", "30s")
	v.SetDefault("market_data.max_retries", 3)
	v.SetDefault("market_data.lookback_days", 800)

	v.SetDefault("regime.min_window", 200)
	v.SetDefault("regime.trend_window", 200)
	v.SetDefault("regime.slope_window", 20)
	v.SetDefault("regime.vol_window", 20)
	v.SetDefault("regime.vol_lookback", 252)
	v.SetDefault("regime.flat_band", 0.01)

	v.SetDefault("scoring.min_history", 130)
	v.SetDefault("scoring.min_robustness_history", 252)
	v.SetDefault("scoring.max_missing_bars", 0)
	v.SetDefault("scoring.robustness_step", 21)
	v.SetDefault("scoring.workers", 0)

	v.SetDefault("sizing.min_observations", 20)
	v.SetDefault("sizing.fraction", 0.25)
	v.SetDefault("sizing.cap", 0.10)
	v.SetDefault("sizing.default_fraction", 0.01)

	v.SetDefault("allocation.method", "kelly_constrained")
	v.SetDefault("allocation.max_weight", 0.15)
	v.SetDefault("allocation.min_weight", 0.01)
	v.SetDefault("allocation.target_correlation", 0.3)
	v.SetDefault("allocation.min_robustness", 0.5)
	v.SetDefault("allocation.require_robustness", true)
	v.SetDefault("allocation.risk_free_rate", 0.02)

	v.SetDefault("backtest.training_days", 252)
	v.SetDefault("backtest.testing_days", 63)
	v.SetDefault("backtest.rebalance_days", 21)
	v.SetDefault("backtest.min_training_bars", 60)
	v.SetDefault("backtest.max_positions", 20)
	v.SetDefault("backtest.min_eligible", 2)
	v.SetDefault("backtest.cost_bps", 5.0)
	v.SetDefault("backtest.forward_days", 21)
	v.SetDefault("backtest.cash_out_regimes", []string{"crisis"})
	v.SetDefault("backtest.resamples", 1000)
	v.SetDefault("backtest.confidence", 0.95)
	v.SetDefault("backtest.statistic", "mean")
	v.SetDefault("backtest.seed", 42)

	v.SetDefault("learning.artifact_dir", "./models")
	v.SetDefault("learning.lookback_days", 60)
	v.SetDefault("learning.retrain_lookback_days", 7)
	v.SetDefault("learning.retrain_min_new_samples", 50)
	v.SetDefault("learning.retrain_min_hours", 6.0)
	v.SetDefault("learning.min_train_samples", 200)
	v.SetDefault("learning.validation_split", 0.2)
	v.SetDefault("learning.safe_threshold", 0.005)
	v.SetDefault("learning.aggressive_threshold", 0.012)
	v.SetDefault("learning.promotion_min_auc", 0.55)
	v.SetDefault("learning.promotion_min_p3", 0.45)
	v.SetDefault("learning.trees", 100)
	v.SetDefault("learning.max_depth", 3)
	v.SetDefault("learning.learning_rate", 0.1)
	v.SetDefault("learning.min_leaf_samples", 5)
	v.SetDefault("learning.drift_threshold", 0.1)
	v.SetDefault("learning.lock_ttl", "30m")

	v.SetDefault("governance.min_signals", 50)
	v.SetDefault("governance.window_days", 30)
	v.SetDefault("governance.pause_after", 3)
	v.SetDefault("governance.retire_after", 5)
	v.SetDefault("governance.notify_change", true)

	v.SetDefault("scan.universe", []string{})
	v.SetDefault("scan.min_robustness", 0.70)
	v.SetDefault("scan.max_positions", 10)
	v.SetDefault("scan.min_history", 252)
	v.SetDefault("scan.forbidden_regimes", []string{"crisis"})
	v.SetDefault("scan.output", "morning_orders.csv")
	v.SetDefault("scan.decision_log", "scan_decisions.jsonl")
}
