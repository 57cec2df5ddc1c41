package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // report.timezone must resolve on images without zoneinfo
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Report   ReportConfig   `koanf:"report"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Port          int    `koanf:"port"`
	AllowedOrigin string `koanf:"allowedOrigin"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `koanf:"migrate"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type AuthConfig struct {
	AccessSecret  string        `koanf:"accessSecret"`
	RefreshSecret string        `koanf:"refreshSecret"`
	AccessTTL     time.Duration `koanf:"accessTTL"`
	RefreshTTL    time.Duration `koanf:"refreshTTL"`
	EnforceRoles  bool          `koanf:"enforceRoles"`
}

type ReportConfig struct {
	CacheTTL          time.Duration `koanf:"cacheTTL"`
	LowStockThreshold int           `koanf:"lowStockThreshold"`
	Timezone          string        `koanf:"timezone"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// knownKeys lists every setting so env names like AUTH_ACCESS_SECRET can be
// matched to auth.accessSecret.
var knownKeys = []string{
	"http.port", "http.allowedOrigin",
	"database.url", "database.migrate",
	"redis.addr", "redis.password", "redis.db",
	"auth.accessSecret", "auth.refreshSecret", "auth.accessTTL", "auth.refreshTTL", "auth.enforceRoles",
	"report.cacheTTL", "report.lowStockThreshold", "report.timezone",
	"log.level", "log.pretty",
}

// Older deployments set these names.
var envAliases = map[string]string{
	"PORT":           "http.port",
	"ALLOWED_ORIGIN": "http.allowedOrigin",
}

func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080, AllowedOrigin: "http://127.0.0.1:3000"},
		Database: DatabaseConfig{Migrate: true},
		Auth: AuthConfig{
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Report: ReportConfig{
			CacheTTL:          5 * time.Minute,
			LowStockThreshold: 10,
			Timezone:          "UTC",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path (when path is non-empty),
// then environment variables. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{TransformFunc: envKey}), nil); err != nil {
		return Config{}, errors.Wrap(err, "load env variables")
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv uses CONFIG_FILE as the optional YAML path.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// Location resolves report.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Report.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "report.timezone %q", c.Report.Timezone)
	}
	return loc, nil
}

func (c Config) validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("auth.accessTTL and auth.refreshTTL must be positive")
	}
	if c.Report.LowStockThreshold < 1 {
		return errors.Errorf("report.lowStockThreshold %d must be positive", c.Report.LowStockThreshold)
	}
	if c.Report.Timezone == "Local" {
		// Postgres needs a zone name it knows for AT TIME ZONE.
		return errors.New(`report.timezone must be an IANA name such as "Asia/Colombo", not "Local"`)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// envKey maps SECTION_FIELD_NAME onto a known key, ignoring separators and
// case. Variables that match nothing are dropped.
func envKey(name string, value string) (string, any) {
	if key, ok := envAliases[name]; ok {
		return key, value
	}

	section, rest, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok {
		return "", nil
	}
	needle := section + "." + normalizeToken(rest)
	for _, key := range knownKeys {
		keySection, field, _ := strings.Cut(key, ".")
		if keySection+"."+normalizeToken(field) == needle {
			return key, value
		}
	}
	return "", nil
}

func normalizeToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}
	return normalized.String()
}
