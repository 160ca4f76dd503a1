package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/media"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	KickSlowClients    bool          `mapstructure:"kick_slow_clients"`
	RoomCreateLimit    int           `mapstructure:"room_create_limit"`
	RoomCreateInterval time.Duration `mapstructure:"room_create_interval"`

	RTC RTCConfig `mapstructure:"rtc"`

	v *viper.Viper
}

type RTCConfig struct {
	ListenIP    string        `mapstructure:"listen_ip"`
	AnnouncedIP string        `mapstructure:"announced_ip"`
	MinPort     uint16        `mapstructure:"min_port"`
	MaxPort     uint16        `mapstructure:"max_port"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	Codecs      []CodecConfig `mapstructure:"codecs"`
}

type CodecConfig struct {
	Kind         string         `mapstructure:"kind"`
	MimeType     string         `mapstructure:"mime_type"`
	PayloadType  uint8          `mapstructure:"payload_type"`
	ClockRate    uint32         `mapstructure:"clock_rate"`
	Channels     uint16         `mapstructure:"channels"`
	Parameters   map[string]any `mapstructure:"parameters"`
	RtcpFeedback []string       `mapstructure:"rtcp_feedback"` // "nack", "nack pli", "ccm fir"
}

// Engine converts the rtc section into media engine settings. An empty
// codec list means the built-in opus + VP8 set.
func (c RTCConfig) Engine() rtc.Config {
	out := rtc.Config{
		ListenIP:    c.ListenIP,
		AnnouncedIP: c.AnnouncedIP,
		MinPort:     c.MinPort,
		MaxPort:     c.MaxPort,
		ICEServers:  c.ICEServers,
	}
	for _, cc := range c.Codecs {
		codec := media.RtpCodecCapability{
			Kind:                 cc.Kind,
			MimeType:             cc.MimeType,
			PreferredPayloadType: cc.PayloadType,
			ClockRate:            cc.ClockRate,
			Channels:             cc.Channels,
			Parameters:           cc.Parameters,
		}
		for _, fb := range cc.RtcpFeedback {
			typ, param, _ := strings.Cut(fb, " ")
			codec.RtcpFeedback = append(codec.RtcpFeedback, media.RtcpFeedback{Type: typ, Parameter: param})
		}
		out.Codecs = append(out.Codecs, codec)
	}
	return out
}

// Level returns the configured log level, info when unset or unknown.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meet-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("kick_slow_clients", false)
	v.SetDefault("room_create_limit", 5)
	v.SetDefault("room_create_interval", "1m")
	v.SetDefault("rtc.listen_ip", "0.0.0.0")
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.min_port", 10000)
	v.SetDefault("rtc.max_port", 10100)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("static", cfg.StaticPath).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

// Watch calls fn with the re-read config every time the config file is
// written. Only settings that are safe to change live should be applied
// by fn.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(next)
	})
	c.v.WatchConfig()
}
