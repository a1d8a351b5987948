package infra

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации view-бэкенда.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	API       APIConfig       `mapstructure:"api"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Emitter   EmitterConfig   `mapstructure:"emitter"`
}

// ServerConfig описывает HTTP API вида и gRPC health.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelemetryConfig: сокет и правила слияния.
type TelemetryConfig struct {
	// Origin страницы, из которого выводится адрес сокета (http→ws, https→wss)
	Origin  string `mapstructure:"origin"`
	DevHost string `mapstructure:"dev_host"`
	Path    string `mapstructure:"path"`
	// URL перекрывает вывод из Origin целиком
	URL string `mapstructure:"url"`

	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	SeriesCapacity int           `mapstructure:"series_capacity"`
	Selection      string        `mapstructure:"selection"` // sticky, revalidate
	Reconcile      string        `mapstructure:"reconcile"` // newest_wins, last_applied
}

// APIConfig: REST бэкенд для polling fallback.
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	BasePath string        `mapstructure:"base_path"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RPS      float64       `mapstructure:"rps"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
}

type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	TailInterval time.Duration `mapstructure:"tail_interval"`
	LogCapacity  int           `mapstructure:"log_capacity"`
}

// DatabaseConfig описывает подключение к PostgreSQL (архив аудита). Пустой URL: архив выключен.
type DatabaseConfig struct {
	URL           string        `mapstructure:"url"`
	MaxConns      int           `mapstructure:"max_conns"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// RedisConfig описывает зеркало состояния вида. Пустой Addr: зеркало выключено.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig: RS256 ключ для мутирующих роутов API вида.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // пусто: только stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// EmitterConfig: локальный источник снапшотов для разработки.
type EmitterConfig struct {
	Addr     string        `mapstructure:"addr"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, .env и ENV.
func LoadConfig() (*Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	// 0. .env (для локальной разработки), его отсутствие: норма
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: TELEMETRY_RECONNECT_DELAY=1s перекроет telemetry.reconnect_delay
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if err != nil {
		return nil, err
	}
	cfg.Auth.PublicKey = key
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("telemetry.origin", "http://localhost:5173")
	v.SetDefault("telemetry.dev_host", "localhost:8090")
	v.SetDefault("telemetry.path", "/api/v25/ws/omniscience")
	v.SetDefault("telemetry.url", "")
	v.SetDefault("telemetry.reconnect_delay", 5*time.Second)
	v.SetDefault("telemetry.series_capacity", 20)
	v.SetDefault("telemetry.selection", "sticky")
	v.SetDefault("telemetry.reconcile", "newest_wins")

	v.SetDefault("api.base_url", "http://localhost:8090")
	v.SetDefault("api.base_path", "/api/v1")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.rps", 20)
	v.SetDefault("api.cb_max_requests", 3)
	v.SetDefault("api.cb_interval", 5*time.Second)
	v.SetDefault("api.cb_timeout", 30*time.Second)
	v.SetDefault("api.retry_attempts", 2)

	v.SetDefault("poller.interval", 10*time.Second)
	v.SetDefault("poller.tail_interval", 2*time.Second)
	v.SetDefault("poller.log_capacity", 200)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.flush_interval", 1*time.Second)
	v.SetDefault("database.batch_size", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 1*time.Minute)
	v.SetDefault("redis.interval", 1*time.Second)

	v.SetDefault("auth.public_key_path", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)

	v.SetDefault("emitter.addr", ":8090")
	v.SetDefault("emitter.interval", 2*time.Second)
}

// Validate отсекает значения, с которыми вид не сможет работать.
func (c *Config) Validate() error {
	if c.Telemetry.ReconnectDelay <= 0 {
		return fmt.Errorf("config: telemetry.reconnect_delay must be positive, got %s", c.Telemetry.ReconnectDelay)
	}
	if c.Telemetry.SeriesCapacity <= 0 {
		return fmt.Errorf("config: telemetry.series_capacity must be positive, got %d", c.Telemetry.SeriesCapacity)
	}
	if c.Poller.Interval <= 0 || c.Poller.TailInterval <= 0 {
		return fmt.Errorf("config: poller intervals must be positive")
	}
	switch c.Telemetry.Selection {
	case "sticky", "revalidate":
	default:
		return fmt.Errorf("config: unknown telemetry.selection %q", c.Telemetry.Selection)
	}
	switch c.Telemetry.Reconcile {
	case "newest_wins", "last_applied":
	default:
		return fmt.Errorf("config: unknown telemetry.reconcile %q", c.Telemetry.Reconcile)
	}
	return nil
}

// loadKeyResource: ключ либо прямо в ENV (Docker/K8s), либо файлом по пути из конфига.
// Пустой путь без ENV значит режим разработки без ключа. Указанный, но нечитаемый или пустой файл: ошибка.
func loadKeyResource(path string, envDataKey string) ([]byte, error) {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data), nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: auth public key: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config: auth public key %s is empty", path)
	}
	return data, nil
}
