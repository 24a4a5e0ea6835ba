package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	WeCom    WeComConfig    `json:"wecom" yaml:"wecom"`
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Media    MediaConfig    `json:"media" yaml:"media"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	DataDir  string `json:"dataDir" yaml:"dataDir" validate:"required"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" validate:"required"`
	Port int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Path string `json:"path" yaml:"path" validate:"required,startswith=/"`
}

// WeComConfig holds the smart-bot callback credentials.
type WeComConfig struct {
	Token          string `json:"token" yaml:"token" validate:"required"`
	EncodingAESKey string `json:"encodingAESKey" yaml:"encodingAESKey" validate:"required,len=43"`
	ReceiverID     string `json:"receiverId,omitempty" yaml:"receiverId,omitempty"` // empty accepts any
}

type UpstreamConfig struct {
	URL                  string   `json:"url" yaml:"url" validate:"required,url"`
	FallbackURLs         []string `json:"fallbackUrls" yaml:"fallbackUrls" validate:"dive,url"` // tried in order when url fails before streaming
	Token                string   `json:"token,omitempty" yaml:"token,omitempty"`
	Model                string   `json:"model" yaml:"model"`
	TimeoutSeconds       int      `json:"timeoutSeconds" yaml:"timeoutSeconds" validate:"min=0"`
	MaxRetries           int      `json:"maxRetries" yaml:"maxRetries" validate:"min=0,max=10"`
	MaxConcurrentStreams int      `json:"maxConcurrentStreams" yaml:"maxConcurrentStreams" validate:"min=0"` // 0 = unlimited
	RateLimitPerMinute   int      `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" validate:"min=0"`     // 0 = disabled
}

type StreamConfig struct {
	TTLSeconds         int    `json:"ttlSeconds" yaml:"ttlSeconds" validate:"min=1"`
	GraceSeconds       int    `json:"graceSeconds" yaml:"graceSeconds" validate:"min=1"`
	SweepSchedule      string `json:"sweepSchedule" yaml:"sweepSchedule" validate:"required"`
	DedupWindowSeconds int    `json:"dedupWindowSeconds" yaml:"dedupWindowSeconds" validate:"min=1"`
	DedupMaxEntries    int    `json:"dedupMaxEntries" yaml:"dedupMaxEntries" validate:"min=1"`
}

type MediaConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Dir      string `json:"dir" yaml:"dir"`
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes" validate:"min=0"`
}

type SessionConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	DBPath        string   `json:"dbPath" yaml:"dbPath"`
	ResetCommands []string `json:"resetCommands" yaml:"resetCommands"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// validate reports fields by their JSON names.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// DefaultConfigDir returns the default config directory (~/.wecombridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wecombridge"
	}
	return filepath.Join(home, ".wecombridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML config file on top of Defaults, expands ${VAR}
// references and validates the result. A missing file yields an error
// wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return Resolve(raw)
}

// LoadRaw reads a config file on top of Defaults without expanding
// environment references or validating, so it can be edited and saved back
// without writing resolved secrets to disk.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve returns a copy of cfg with environment references expanded and
// paths made absolute, after validating it.
func Resolve(cfg *Config) (*Config, error) {
	out, err := expand(cfg)
	if err != nil {
		return nil, err
	}
	return finish(out)
}

// FromEnvironment builds the config from Defaults alone, resolving its
// environment references. PORT overrides server.port.
func FromEnvironment() (*Config, error) {
	cfg, err := expand(Defaults())
	if err != nil {
		return nil, err
	}
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return finish(cfg)
}

// expand substitutes ${VAR} and ${VAR:-default} in every string value.
func expand(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), out); err != nil {
		return nil, fmt.Errorf("cannot expand environment variables: %w", err)
	}
	return out, nil
}

// LoadOrEnvironment loads path, falling back to FromEnvironment when the file
// does not exist.
func LoadOrEnvironment(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FromEnvironment()
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Media.Dir = ExpandPath(cfg.Media.Dir)
	cfg.Session.DBPath = ExpandPath(cfg.Session.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unset
// variables without a default are left as is so validation can report them.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val, ok := os.LookupEnv(groups[1])
		if ok && val != "" {
			return val
		}
		if strings.Contains(match, ":-") {
			return groups[2]
		}
		return match
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// Secrets may be stored inline.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks struct constraints and cross-field rules, reporting every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	for path, val := range map[string]string{
		"wecom.token":          cfg.WeCom.Token,
		"wecom.encodingAESKey": cfg.WeCom.EncodingAESKey,
		"upstream.url":         cfg.Upstream.URL,
		"upstream.token":       cfg.Upstream.Token,
	} {
		if m := envVarPattern.FindStringSubmatch(val); m != nil {
			errs = append(errs, fmt.Sprintf("%s: environment variable %s is not set", path, m[1]))
		}
	}

	for i, u := range cfg.Upstream.FallbackURLs {
		if m := envVarPattern.FindStringSubmatch(u); m != nil {
			errs = append(errs, fmt.Sprintf("upstream.fallbackUrls[%d]: environment variable %s is not set", i, m[1]))
		}
	}

	if cfg.Stream.GraceSeconds > cfg.Stream.TTLSeconds {
		errs = append(errs, "stream.graceSeconds must not exceed stream.ttlSeconds")
	}
	if cfg.Media.Enabled && cfg.Media.Dir == "" {
		errs = append(errs, "media.dir is required when media is enabled")
	}
	if cfg.Session.Enabled && cfg.Session.DBPath == "" {
		errs = append(errs, "session.dbPath is required when sessions are enabled")
	}
	if cfg.Metrics.Enabled {
		switch {
		case !strings.HasPrefix(cfg.Metrics.Path, "/"):
			errs = append(errs, "metrics.path must start with /")
		case cfg.Metrics.Path == cfg.Server.Path || cfg.Metrics.Path == "/healthz":
			errs = append(errs, "metrics.path collides with another route")
		}
	}
	if cfg.Server.Path == "/healthz" || cfg.Server.Path == "/" {
		errs = append(errs, "server.path must not be / or /healthz")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// fieldPath drops the root type from "Config.wecom.token".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// ExpandPath resolves a leading ~/ to the home directory.
func ExpandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (s StreamConfig) TTL() time.Duration   { return time.Duration(s.TTLSeconds) * time.Second }
func (s StreamConfig) Grace() time.Duration { return time.Duration(s.GraceSeconds) * time.Second }

func (s StreamConfig) DedupWindow() time.Duration {
	return time.Duration(s.DedupWindowSeconds) * time.Second
}

// Timeout bounds one upstream run; zero means unbounded.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}
