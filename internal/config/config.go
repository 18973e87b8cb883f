package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the fully processed application configuration.
type Config struct {
	ABR       ABRConfig       `mapstructure:"abr"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	CDN       CDNConfig       `mapstructure:"cdn"`
	EME       EMEConfig       `mapstructure:"eme"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Assets    []Asset         `mapstructure:"assets"`
}

// ABRConfig tunes bitrate selection.
type ABRConfig struct {
	Algorithm      string        `mapstructure:"algorithm"`
	SwitchInterval time.Duration `mapstructure:"switch_interval"`
	MinBandwidth   int           `mapstructure:"min_bandwidth"`
	Window         int           `mapstructure:"window"`
}

// BufferConfig sets the buffer ahead/behind policy.
type BufferConfig struct {
	Ahead    time.Duration `mapstructure:"ahead"`
	Behind   time.Duration `mapstructure:"behind"`
	OnSwitch time.Duration `mapstructure:"on_switch"`
}

// CDNConfig lists fallback origins, tried in order after the manifest origin.
type CDNConfig struct {
	Origins []string `mapstructure:"origins"`
}

// EMEConfig selects the key system and license server.
type EMEConfig struct {
	KeySystem         string   `mapstructure:"key_system"`
	Robustness        []string `mapstructure:"robustness"`
	LicenseServer     string   `mapstructure:"license_server"`
	ServerCertificate string   `mapstructure:"server_certificate"`
}

// StreamConfig holds playback preferences. Nil pointers mean "not set".
type StreamConfig struct {
	Autoplay               bool          `mapstructure:"autoplay"`
	PreferredAudioLanguage string        `mapstructure:"preferred_audio_language"`
	PreferredTextLanguage  *string       `mapstructure:"preferred_text_language"`
	PreferredVideoQuality  *int          `mapstructure:"preferred_video_quality"`
	StartingPosition       *float64      `mapstructure:"starting_position"`
	TickInterval           time.Duration `mapstructure:"tick_interval"`
}

// TransportConfig bounds network requests.
type TransportConfig struct {
	Retry      int           `mapstructure:"retry"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Asset is a named stream that can be played by id.
type Asset struct {
	Name        string   `mapstructure:"name"`
	ID          string   `mapstructure:"id"`
	ManifestURL string   `mapstructure:"manifest"`
	RawKeys     []string `mapstructure:"keys"` // 'kid:key' hex pairs
	// Keys holds the decoded ClearKey pairs.
	Keys []KeyPair `mapstructure:"-"`
}

// KeyPair is one decoded ClearKey key.
type KeyPair struct {
	KID []byte
	Key []byte
}

// Load reads configuration from file and environment variables.
// Environment variables are prefixed with TAPE_ and use underscores for nesting.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Assets {
		keys, err := ParseKeys(cfg.Assets[i].RawKeys)
		if err != nil {
			return nil, fmt.Errorf("invalid keys for asset '%s': %w", cfg.Assets[i].ID, err)
		}
		cfg.Assets[i].Keys = keys
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("abr.algorithm", "llama")
	v.SetDefault("abr.switch_interval", 2*time.Second)
	v.SetDefault("abr.min_bandwidth", 0)
	v.SetDefault("abr.window", 20)

	v.SetDefault("buffer.ahead", 60*time.Second)
	v.SetDefault("buffer.behind", 30*time.Second)
	v.SetDefault("buffer.on_switch", 5*time.Second)

	v.SetDefault("cdn.origins", []string{})

	v.SetDefault("eme.key_system", "")
	v.SetDefault("eme.robustness", []string{})
	v.SetDefault("eme.license_server", "")
	v.SetDefault("eme.server_certificate", "")

	v.SetDefault("stream.autoplay", false)
	v.SetDefault("stream.preferred_audio_language", "")
	v.SetDefault("stream.tick_interval", 250*time.Millisecond)

	v.SetDefault("transport.retry", 3)
	v.SetDefault("transport.timeout", 15*time.Second)
	v.SetDefault("transport.retry_delay", 250*time.Millisecond)
	v.SetDefault("transport.user_agent", "tape/1.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
}

// Validate checks values that would otherwise break the player at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.ABR.Algorithm {
	case "llama", "throughput", "bba0":
	default:
		errs = append(errs, fmt.Errorf("abr.algorithm must be llama, throughput or bba0, got %q", c.ABR.Algorithm))
	}
	if c.ABR.Window <= 0 {
		errs = append(errs, errors.New("abr.window must be positive"))
	}
	if c.Buffer.Ahead <= 0 {
		errs = append(errs, errors.New("buffer.ahead must be positive"))
	}
	if c.Buffer.Behind < 0 || c.Buffer.OnSwitch < 0 {
		errs = append(errs, errors.New("buffer.behind and buffer.on_switch must not be negative"))
	}
	if c.Transport.Retry < 1 {
		errs = append(errs, errors.New("transport.retry must be at least 1"))
	}
	if c.Transport.Timeout <= 0 {
		errs = append(errs, errors.New("transport.timeout must be positive"))
	}
	if c.Stream.TickInterval <= 0 {
		errs = append(errs, errors.New("stream.tick_interval must be positive"))
	}

	seen := make(map[string]bool)
	for _, a := range c.Assets {
		if a.ID == "" {
			errs = append(errs, errors.New("asset id must not be empty"))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate asset id found in config: %s", a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

// Asset looks up an asset by id.
func (c *Config) Asset(id string) (*Asset, bool) {
	for i := range c.Assets {
		if c.Assets[i].ID == id {
			return &c.Assets[i], true
		}
	}
	return nil, false
}

// Clone returns a copy that can be mutated per player.
func (c *Config) Clone() *Config {
	out := *c
	out.CDN.Origins = append([]string(nil), c.CDN.Origins...)
	out.EME.Robustness = append([]string(nil), c.EME.Robustness...)
	out.Assets = append([]Asset(nil), c.Assets...)
	return &out
}

// ParseKeys decodes 'kid:key' hex strings. Empty entries are skipped.
func ParseKeys(raw []string) ([]KeyPair, error) {
	var keys []KeyPair
	for _, entry := range raw {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid key format: expected 'kid:key', got '%s'", entry)
		}
		kid, err := hex.DecodeString(strings.ReplaceAll(parts[0], "-", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex kid '%s': %w", parts[0], err)
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex key for kid '%s': %w", parts[0], err)
		}
		keys = append(keys, KeyPair{KID: kid, Key: key})
	}
	return keys, nil
}
