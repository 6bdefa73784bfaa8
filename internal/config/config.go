// ABOUTME: Daemon configuration from defaults, an optional file, environment and flags
// ABOUTME: Backed by viper; A2DPD_ variables override the file and set flags override both
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/profile"
	"github.com/Sendspin/bluestream/internal/sink"
	"github.com/Sendspin/bluestream/internal/source"
	"github.com/Sendspin/bluestream/internal/stream"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. A2DPD_PORT
const EnvPrefix = "A2DPD"

// Config is the resolved daemon configuration
type Config struct {
	Name    string
	Port    int
	MDNS    bool
	Debug   bool
	TUI     bool
	LogFile string

	// Adapter is the BlueZ adapter name, e.g. hci0
	Adapter string
	// BlueZ enables the D-Bus link layer; without it peers come from tests or tools only
	BlueZ   bool
	Roles   []device.Role
	Offload bool

	ConnectTimeout time.Duration
	StartTimeout   time.Duration

	Source source.Config
	Sink   sink.Config
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "a2dpd"
	}
	v.SetDefault("name", hostname+"-a2dp")
	v.SetDefault("port", 8928)
	v.SetDefault("mdns", true)
	v.SetDefault("debug", false)
	v.SetDefault("tui", false)
	v.SetDefault("log_file", "a2dpd.log")
	v.SetDefault("adapter", "hci0")
	v.SetDefault("bluez", true)
	v.SetDefault("roles", []string{"source"})
	v.SetDefault("offload", false)
	v.SetDefault("connect_timeout", 0)
	v.SetDefault("start_timeout", 0)
	v.SetDefault("source.ring_bytes", source.DefaultRingBytes)
	v.SetDefault("source.underflow_ticks", source.DefaultUnderflowTicks)
	v.SetDefault("source.suspend_underflow_ticks", source.DefaultSuspendUnderflowTicks)
	v.SetDefault("sink.queue_capacity", sink.DefaultQueueCapacity)
	v.SetDefault("sink.low_watermark", sink.DefaultLowWatermark)
	v.SetDefault("sink.send_quota", sink.DefaultSendQuota)
	v.SetDefault("sink.congestion_log_ticks", sink.DefaultCongestionLogTicks)
}

// Load resolves the configuration. path may be empty. overrides holds
// explicitly set command line flags keyed like the file.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Printf("No config file at %s, using defaults", path)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{
		Name:           v.GetString("name"),
		Port:           v.GetInt("port"),
		MDNS:           v.GetBool("mdns"),
		Debug:          v.GetBool("debug"),
		TUI:            v.GetBool("tui"),
		LogFile:        v.GetString("log_file"),
		Adapter:        v.GetString("adapter"),
		BlueZ:          v.GetBool("bluez"),
		Offload:        v.GetBool("offload"),
		ConnectTimeout: v.GetDuration("connect_timeout"),
		StartTimeout:   v.GetDuration("start_timeout"),
		Source: source.Config{
			RingBytes:             v.GetInt("source.ring_bytes"),
			UnderflowTicks:        v.GetInt("source.underflow_ticks"),
			SuspendUnderflowTicks: v.GetInt("source.suspend_underflow_ticks"),
		},
		Sink: sink.Config{
			QueueCapacity:      v.GetInt("sink.queue_capacity"),
			LowWatermark:       v.GetInt("sink.low_watermark"),
			SendQuota:          v.GetInt("sink.send_quota"),
			CongestionLogTicks: v.GetInt("sink.congestion_log_ticks"),
		},
	}
	c.Source.Debug = c.Debug
	c.Sink.Debug = c.Debug

	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", c.Port)
	}

	// Env and flag values arrive as one comma separated string.
	var names []string
	if raw, ok := v.Get("roles").(string); ok {
		names = strings.Split(raw, ",")
	} else {
		names = v.GetStringSlice("roles")
	}
	seen := make(map[device.Role]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		role, err := device.ParseRole(name)
		if err != nil {
			return nil, err
		}
		if !seen[role] {
			seen[role] = true
			c.Roles = append(c.Roles, role)
		}
	}
	if len(c.Roles) == 0 {
		return nil, fmt.Errorf("no roles configured")
	}
	return c, nil
}

// Profile returns the profile manager configuration
func (c *Config) Profile() profile.Config {
	return profile.Config{
		Stream: stream.Config{
			Source: c.Source,
			Sink:   c.Sink,
			Debug:  c.Debug,
		},
		ConnectTimeout: c.ConnectTimeout,
		StartTimeout:   c.StartTimeout,
		Debug:          c.Debug,
	}
}
