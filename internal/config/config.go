// Package config loads planwatch settings from defaults, an optional config
// file, a .env file, PLANWATCH_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PLANWATCH_BROKER_TOKEN.
const EnvPrefix = "PLANWATCH"

// Config is the full planwatch configuration.
type Config struct {
	Base       string           `mapstructure:"base"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Poll       PollConfig       `mapstructure:"poll"`
	Telescope  TelescopeConfig  `mapstructure:"telescope"`
	Horizon    HorizonConfig    `mapstructure:"horizon"`
	Visibility VisibilityConfig `mapstructure:"visibility"`
	Observe    ObserveConfig    `mapstructure:"observe"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Status     StatusConfig     `mapstructure:"status"`
	Log        LogConfig        `mapstructure:"log"`
}

type BrokerConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	TokenFile  string        `mapstructure:"token_file"`
	AuthScheme string        `mapstructure:"auth_scheme"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type PollConfig struct {
	Delay        time.Duration `mapstructure:"delay"`
	Lookback     time.Duration `mapstructure:"lookback"`
	MaxAgeDays   float64       `mapstructure:"max_age_days"`
	MaxFields    int           `mapstructure:"max_fields"`
	Repeat       int           `mapstructure:"repeat"`
	InstrumentID int           `mapstructure:"instrument_id"`
	Followups    bool          `mapstructure:"followups"`
	Workbook     bool          `mapstructure:"workbook"`
}

type TelescopeConfig struct {
	APIURL   string        `mapstructure:"api_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	TargetID int           `mapstructure:"target_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HorizonConfig struct {
	File   string  `mapstructure:"file"`
	MinAlt float64 `mapstructure:"min_alt"`
}

type VisibilityConfig struct {
	Samples int `mapstructure:"samples"`
}

type ObserveConfig struct {
	MaxPointings int `mapstructure:"max_pointings"`
}

type NotifyConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

type EmailConfig struct {
	To       []string `mapstructure:"to"`
	From     string   `mapstructure:"from"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

type TelegramConfig struct {
	Token   string   `mapstructure:"token"`
	ChatIDs []string `mapstructure:"chat_ids"`
	APIURL  string   `mapstructure:"api_url"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type StatusConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base", "plans")

	v.SetDefault("broker.url", "https://skyportal-icare.ijclab.in2p3.fr")
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.token_file", ".token")
	v.SetDefault("broker.auth_scheme", "token")
	v.SetDefault("broker.timeout", 30*time.Second)

	v.SetDefault("poll.delay", 10*time.Second)
	v.SetDefault("poll.lookback", 24*time.Hour)
	v.SetDefault("poll.max_age_days", 1.0)
	v.SetDefault("poll.max_fields", 0)
	v.SetDefault("poll.repeat", 1)
	v.SetDefault("poll.instrument_id", 0)
	v.SetDefault("poll.followups", false)
	v.SetDefault("poll.workbook", true)

	v.SetDefault("telescope.api_url", "http://localhost:8889")
	v.SetDefault("telescope.username", "")
	v.SetDefault("telescope.password", "")
	v.SetDefault("telescope.target_id", 50)
	v.SetDefault("telescope.timeout", 10*time.Second)

	v.SetDefault("horizon.file", "")
	v.SetDefault("horizon.min_alt", 10.0)
	v.SetDefault("visibility.samples", 10)
	v.SetDefault("observe.max_pointings", 20)

	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.host", "localhost")
	v.SetDefault("notify.email.port", 25)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_ids", []string{})
	v.SetDefault("notify.telegram.api_url", "")
	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject", "planwatch.plans")
	v.SetDefault("notify.mqtt.broker", "")
	v.SetDefault("notify.mqtt.client_id", "planwatch")
	v.SetDefault("notify.mqtt.topic", "planwatch/plans")
	v.SetDefault("notify.mqtt.qos", 1)

	v.SetDefault("journal.path", "")
	v.SetDefault("status.addr", "")
	v.SetDefault("status.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"base":          "base",
	"broker":        "broker.url",
	"token":         "broker.token",
	"token-file":    "broker.token_file",
	"delay":         "poll.delay",
	"max-age":       "poll.max_age_days",
	"max-tiles":     "poll.max_fields",
	"instrument":    "poll.instrument_id",
	"followups":     "poll.followups",
	"api":           "telescope.api_url",
	"username":      "telescope.username",
	"password":      "telescope.password",
	"mail":          "notify.email.to",
	"horizon":       "horizon.file",
	"num-pointings": "observe.max_pointings",
	"journal":       "journal.path",
	"status-addr":   "status.addr",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

// RegisterFlags adds the planwatch flags to flags. Defaults shown in help come
// from the built-in defaults; a flag only overrides the configuration when
// set explicitly.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("env-file", ".env", "dotenv file loaded into the environment if present")

	flags.StringP("base", "b", "plans", "directory for plans and field lists")
	flags.StringP("broker", "s", "https://skyportal-icare.ijclab.in2p3.fr", "broker base URL")
	flags.StringP("token", "t", "", "broker API token")
	flags.String("token-file", ".token", "file holding the broker API token")
	flags.DurationP("delay", "d", 10*time.Second, "delay between broker polls")
	flags.Float64("max-age", 1.0, "max age of a plan since trigger, days (0 disables)")
	flags.Int("max-tiles", 0, "max number of fields to accept per plan (0 is unlimited)")
	flags.IntP("instrument", "i", 0, "only accept plans for this broker instrument id")
	flags.Bool("followups", false, "also ingest follow-up requests")
	flags.StringP("api", "a", "http://localhost:8889", "telescope RTS2 API URL")
	flags.StringP("username", "u", "", "telescope API username")
	flags.StringP("password", "p", "", "telescope API password")
	flags.StringSliceP("mail", "m", nil, "email address for plan notifications (repeatable)")
	flags.String("horizon", "", "horizon file (azimuth altitude pairs)")
	flags.IntP("num-pointings", "n", 20, "max pointings per observe run")
	flags.String("journal", "", "SQLite journal path (empty disables)")
	flags.String("status-addr", "", "status API listen address (empty disables)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or text")
}

// Load builds the configuration. flags must have been set up with
// RegisterFlags and parsed.
func Load(flags *pflag.FlagSet) (Config, error) {
	if f := flags.Lookup("env-file"); f != nil && f.Value.String() != "" {
		if err := godotenv.Load(f.Value.String()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f.Value.String(), err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.resolveToken(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// resolveToken reads the broker token from TokenFile when none is given
// directly. A missing file is not an error.
func (c *Config) resolveToken() error {
	if c.Broker.Token != "" || c.Broker.TokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Broker.TokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}
	c.Broker.Token = strings.TrimSpace(string(data))
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Base == "" {
		errs = append(errs, errors.New("base directory must be set"))
	}
	if c.Poll.Delay <= 0 {
		errs = append(errs, fmt.Errorf("poll.delay must be positive, got %s", c.Poll.Delay))
	}
	if c.Poll.MaxFields < 0 {
		errs = append(errs, fmt.Errorf("poll.max_fields must not be negative, got %d", c.Poll.MaxFields))
	}
	if c.Visibility.Samples < 2 {
		errs = append(errs, fmt.Errorf("visibility.samples must be at least 2, got %d", c.Visibility.Samples))
	}
	if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
