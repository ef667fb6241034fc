package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации агентства.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig описывает настройки intake HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (сигналы статусов агентов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — защита intake-поверхности: статический API-токен и/или
// операторские JWT (HS256) после проверки пароля.
type AuthConfig struct {
	APIToken             string        `mapstructure:"api_token"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash"` // bcrypt
	JWTSecret            string        `mapstructure:"jwt_secret"`
	TokenTTL             time.Duration `mapstructure:"token_ttl"`
}

// SchedulerConfig — параметры цикла продления. Все величины — настройки
// рантайма, не компилируемые константы.
type SchedulerConfig struct {
	LeadSeconds     int             `mapstructure:"lead_seconds"`   // Запас до дедлайна окна
	JitterSeconds   int             `mapstructure:"jitter_seconds"` // Декорреляция пачки агентов
	Period          time.Duration   `mapstructure:"period"`         // Фолбэк, если эндпоинт не вернул конец окна
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	BackoffSteps    []time.Duration `mapstructure:"backoff_steps"` // Лестница ретраев пробы
	BackoffCap      time.Duration   `mapstructure:"backoff_cap"`
	WorkerCount     int             `mapstructure:"worker_count"` // Ограниченный фан-аут проб
	ProbeRate       float64         `mapstructure:"probe_rate"`   // Проб в секунду (анти-herd)
	ProbeBurst      int             `mapstructure:"probe_burst"`
	FailureFlag     int             `mapstructure:"failure_threshold"` // Порог health-флага в отчете
	RewardPerWindow float64         `mapstructure:"reward_per_window"` // Для начисления комиссии
}

// StreamConfig — внешний эндпоинт продления стрима.
type StreamConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IntakeProbe bool          `mapstructure:"intake_probe"` // Проверять подпись пробой при enroll
}

// BillingConfig — мост к контракту StreamAgencyEscrow.
type BillingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	EscrowContract string        `mapstructure:"escrow_contract"`
	ChainRPC       string        `mapstructure:"chain_rpc"`
	ChainID        string        `mapstructure:"chain_id"`
	OperatorPEM    string        `mapstructure:"operator_pem"` // Ключ уходит внешнему подписанту как есть
	GasLimit       uint64        `mapstructure:"gas_limit"`
	GasPrice       uint64        `mapstructure:"gas_price"`
	RetryCeiling   int           `mapstructure:"retry_ceiling"` // Потолок failed-попыток на (агент, эпоха)
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// MetricsConfig — отдельный listener для Prometheus.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения перекрывают файл:
	// BILLING_RETRY_CEILING=5 перекроет billing.retry_ceiling
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла (отсутствие файла — не ошибка, работаем на ENV)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Секреты можно передать напрямую через ENV (Docker/K8s)
	if s := os.Getenv("AUTH_JWT_SECRET_DATA"); s != "" {
		cfg.Auth.JWTSecret = s
	}

	// 7. Валидация пути биллинга — фатальна на старте. Молча работать
	// с половиной биллингового пути система не должна.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.Billing.Enabled {
		if c.Billing.EscrowContract == "" {
			return errors.New("config: billing.enabled requires billing.escrow_contract")
		}
		if c.Billing.ChainRPC == "" {
			return errors.New("config: billing.enabled requires billing.chain_rpc")
		}
		if c.Billing.OperatorPEM == "" {
			return errors.New("config: billing.enabled requires billing.operator_pem")
		}
		if c.Billing.RetryCeiling <= 0 {
			return errors.New("config: billing.retry_ceiling must be positive")
		}
	}
	if c.Scheduler.LeadSeconds < 0 || c.Scheduler.JitterSeconds < 0 {
		return errors.New("config: scheduler lead/jitter must be non-negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("scheduler.lead_seconds", 360)
	v.SetDefault("scheduler.jitter_seconds", 20)
	v.SetDefault("scheduler.period", time.Hour)
	v.SetDefault("scheduler.poll_interval", 15*time.Second)
	v.SetDefault("scheduler.backoff_steps", []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute})
	v.SetDefault("scheduler.backoff_cap", 3*time.Minute)
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.probe_rate", 20.0)
	v.SetDefault("scheduler.probe_burst", 5)
	v.SetDefault("scheduler.failure_threshold", 5)
	v.SetDefault("scheduler.reward_per_window", 1.0)

	v.SetDefault("stream.url", "https://stream.claws.network/stream")
	v.SetDefault("stream.timeout", 20*time.Second)
	v.SetDefault("stream.intake_probe", true)

	v.SetDefault("billing.chain_rpc", "https://api.claws.network")
	v.SetDefault("billing.chain_id", "C")
	v.SetDefault("billing.gas_limit", uint64(10_000_000))
	v.SetDefault("billing.gas_price", uint64(1_000_000_000))
	v.SetDefault("billing.retry_ceiling", 3)
	v.SetDefault("billing.submit_timeout", 30*time.Second)
	v.SetDefault("billing.query_timeout", 20*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("metrics.addr", ":9090")
}
