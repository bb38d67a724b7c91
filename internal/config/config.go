package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ErrMissingToken is returned when no StreamElements token is configured.
var ErrMissingToken = errors.New("streamelements token is required")

const (
	// ConfigPathEnvVar names an optional YAML file layered over the defaults.
	ConfigPathEnvVar = "CONFIG_PATH"
	envPrefix        = "DANKCHAT_"
	defaultFile      = "config.yaml"
)

type Config struct {
	Server         ServerConfig         `koanf:"server"`
	StreamElements StreamElementsConfig `koanf:"streamelements"`
	IVR            ProviderConfig       `koanf:"ivr"`
	TwitchEmotes   ProviderConfig       `koanf:"twitchemotes"`
	Upstream       UpstreamConfig       `koanf:"upstream"`
	Cache          CacheConfig          `koanf:"cache"`
	EmoteSets      EmoteSetsConfig      `koanf:"emotesets"`
	Donations      DonationsConfig      `koanf:"donations"`
	Database       DatabaseConfig       `koanf:"database"`
	Badges         BadgesConfig         `koanf:"badges"`
	Logging        LoggingConfig        `koanf:"logging"`
}

type ServerConfig struct {
	Addr        string   `koanf:"addr" validate:"required"`
	CORSOrigins []string `koanf:"cors_origins"`
	RateRPS     int      `koanf:"rate_rps" validate:"gte=0"`
	RateBurst   int      `koanf:"rate_burst" validate:"gte=0"`
	Metrics     bool     `koanf:"metrics"`
	AccessLog   bool     `koanf:"access_log"`
	Admin       bool     `koanf:"admin"`
}

type StreamElementsConfig struct {
	Token     string `koanf:"token"`
	ChannelID string `koanf:"channel_id" validate:"required"`
	BaseURL   string `koanf:"base_url" validate:"required,url"`
}

type ProviderConfig struct {
	BaseURL string `koanf:"base_url" validate:"required,url"`
}

type UpstreamConfig struct {
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	UserAgent string        `koanf:"user_agent"`
}

type CacheConfig struct {
	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"gt=0"`
	IdleExpiry      time.Duration `koanf:"idle_expiry" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
}

type EmoteSetsConfig struct {
	ChunkSize int    `koanf:"chunk_size" validate:"min=1,max=100"`
	NotFound  string `koanf:"not_found" validate:"oneof=empty 404"`
}

type DonationsConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	PageSize int           `koanf:"page_size" validate:"min=1"`
}

type DatabaseConfig struct {
	Path   string `koanf:"path" validate:"required"`
	Tuning bool   `koanf:"tuning"`
}

type BadgesConfig struct {
	ContributorsFile string   `koanf:"contributors_file"`
	TopFile          string   `koanf:"top_file"`
	OptOutFile       string   `koanf:"optout_file"`
	ManualFile       string   `koanf:"manual_file"`
	DeveloperIDs     []string `koanf:"developer_ids"`
	IconBaseURL      string   `koanf:"icon_base_url" validate:"required,url"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration. The token is left empty on purpose.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			RateRPS:   20,
			RateBurst: 40,
			Metrics:   true,
			AccessLog: true,
		},
		StreamElements: StreamElementsConfig{
			ChannelID: "5b144fc91a5cbe3a3a920871",
			BaseURL:   "https://api.streamelements.com",
		},
		IVR:          ProviderConfig{BaseURL: "https://api.ivr.fi"},
		TwitchEmotes: ProviderConfig{BaseURL: "https://api.twitchemotes.com"},
		Upstream: UpstreamConfig{
			Timeout:   10 * time.Second,
			UserAgent: "dankchat-api/1.7",
		},
		Cache: CacheConfig{
			RefreshInterval: 30 * time.Minute,
			IdleExpiry:      24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		EmoteSets: EmoteSetsConfig{ChunkSize: 50, NotFound: "empty"},
		Donations: DonationsConfig{Interval: 5 * time.Minute, PageSize: 100},
		Database:  DatabaseConfig{Path: "dankchat.db"},
		Badges: BadgesConfig{
			DeveloperIDs: []string{"73697410"},
			IconBaseURL:  "https://flxrs.com/dankchat/badges/",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, an optional YAML file, and the environment, then validates.
// A .env file in the working directory is read first when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := configFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configFile() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); p != "" {
		return p
	}
	if _, err := os.Stat(defaultFile); err == nil {
		return defaultFile
	}
	return ""
}

var legacyEnv = map[string]string{
	"SE_TOKEN":   "streamelements.token",
	"DB_PATH":    "database.path",
	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
}

// envValue drops empty variables so they never mask file or default values.
func envValue(key, value string) (string, any) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return envKey(key), value
}

// envKey maps DANKCHAT_SERVER__RATE_RPS to server.rate_rps. Unrelated variables
// map to "" and are skipped by the provider.
func envKey(key string) string {
	if mapped, ok := legacyEnv[key]; ok {
		return mapped
	}
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", "."))
}

var sliceFields = []string{"server.cors_origins", "badges.developer_ids"}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, splitList(raw)); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (c *Config) normalize() {
	c.StreamElements.Token = strings.TrimSpace(c.StreamElements.Token)
	c.Server.CORSOrigins = dedupe(c.Server.CORSOrigins)
	c.Badges.DeveloperIDs = dedupe(c.Badges.DeveloperIDs)
	c.EmoteSets.NotFound = strings.ToLower(strings.TrimSpace(c.EmoteSets.NotFound))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if !strings.HasSuffix(c.Badges.IconBaseURL, "/") {
		c.Badges.IconBaseURL += "/"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fails with ErrMissingToken before checking anything else.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StreamElements.Token) == "" {
		return ErrMissingToken
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NotFoundAs404 reports whether /set/{id} answers 404 when no provider has the set.
func (c Config) NotFoundAs404() bool {
	return c.EmoteSets.NotFound == "404"
}

type Summary struct {
	Addr            string   `json:"addr"`
	CORSOrigins     int      `json:"cors_origins"`
	Admin           bool     `json:"admin"`
	Token           string   `json:"se_token"`
	SEChannel       string   `json:"se_channel"`
	SQLitePath      string   `json:"sqlite_path"`
	RefreshInterval string   `json:"cache_refresh"`
	IdleExpiry      string   `json:"cache_idle_expiry"`
	Interval        string   `json:"reconcile_interval"`
	NotFound        string   `json:"set_not_found"`
	Lists           []string `json:"lists"`
}

func (c Config) Summary() Summary {
	var lists []string
	for name, path := range map[string]string{
		"contributors": c.Badges.ContributorsFile,
		"top":          c.Badges.TopFile,
		"optout":       c.Badges.OptOutFile,
		"manual":       c.Badges.ManualFile,
	} {
		if path != "" {
			lists = append(lists, name)
		}
	}
	return Summary{
		Addr:            c.Server.Addr,
		CORSOrigins:     len(c.Server.CORSOrigins),
		Admin:           c.Server.Admin,
		Token:           redactString(c.StreamElements.Token),
		SEChannel:       c.StreamElements.ChannelID,
		SQLitePath:      c.Database.Path,
		RefreshInterval: c.Cache.RefreshInterval.String(),
		IdleExpiry:      c.Cache.IdleExpiry.String(),
		Interval:        c.Donations.Interval.String(),
		NotFound:        c.EmoteSets.NotFound,
		Lists:           dedupeSorted(lists),
	}
}

// Redacted returns the full configuration with secrets masked. The config
// command prints it.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"addr":         c.Server.Addr,
			"cors_origins": append([]string(nil), c.Server.CORSOrigins...),
			"rate_rps":     c.Server.RateRPS,
			"rate_burst":   c.Server.RateBurst,
			"metrics":      c.Server.Metrics,
			"admin":        c.Server.Admin,
		},
		"streamelements": map[string]any{
			"token":      redactString(c.StreamElements.Token),
			"channel_id": c.StreamElements.ChannelID,
			"base_url":   c.StreamElements.BaseURL,
		},
		"ivr":          c.IVR.BaseURL,
		"twitchemotes": c.TwitchEmotes.BaseURL,
		"cache": map[string]any{
			"refresh_interval": c.Cache.RefreshInterval.String(),
			"idle_expiry":      c.Cache.IdleExpiry.String(),
		},
		"emotesets": map[string]any{
			"chunk_size": c.EmoteSets.ChunkSize,
			"not_found":  c.EmoteSets.NotFound,
		},
		"donations": map[string]any{
			"interval":  c.Donations.Interval.String(),
			"page_size": c.Donations.PageSize,
		},
		"database": map[string]any{
			"path":   c.Database.Path,
			"tuning": c.Database.Tuning,
		},
		"badges": map[string]any{
			"contributors_file": c.Badges.ContributorsFile,
			"top_file":          c.Badges.TopFile,
			"optout_file":       c.Badges.OptOutFile,
			"manual_file":       c.Badges.ManualFile,
			"developer_ids":     append([]string(nil), c.Badges.DeveloperIDs...),
		},
	}
}

func (c Config) SummaryJSON() []byte {
	data, _ := json.Marshal(struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()})
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func dedupeSorted(values []string) []string {
	out := dedupe(values)
	sort.Strings(out)
	return out
}
