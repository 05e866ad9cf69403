// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the relay configuration from flags, EDELAY_*
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"code.hybscloud.com/edelay"
	"github.com/joeycumines/logiface"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. EDELAY_PORT.
const EnvPrefix = "EDELAY"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the relay configuration. The struct tags drive flag
// registration, defaults and decoding.
type Config struct {
	Host string `mapstructure:"host" default:"" description:"the host address to listen on"`
	Port int    `mapstructure:"port" default:"1935" description:"the TCP port to accept the stream on"`

	Delay    time.Duration `mapstructure:"delay" default:"1s" description:"how long every segment is held before release"`
	Capacity int           `mapstructure:"capacity" default:"8192" description:"initial queue capacity in bytes, rounded up to 2048-byte chunks"`
	Overflow string        `mapstructure:"overflow" default:"resize" description:"what to do when the queue is full: skip, resize or loop-replace"`

	Forward string `mapstructure:"forward" default:"" description:"host:port to forward the delayed stream to; empty writes to stdout"`

	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level: trace, debug, info, notice, warning, err, crit, alert, emerg or disabled"`
	SelfTest bool   `mapstructure:"self-test" default:"true" description:"run the queue self-test before serving"`

	ConfigFile string `mapstructure:"config" default:"" description:"optional path to a yaml, json or toml config file"`
}

var durationType = reflect.TypeOf(time.Duration(0))

// RegisterFlags defines one flag per Config field on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	t := reflect.TypeOf(Config{})
	for i := range t.NumField() {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		def := field.Tag.Get("default")
		usage := field.Tag.Get("description")

		switch {
		case field.Type == durationType:
			d, _ := time.ParseDuration(def)
			flags.Duration(name, d, usage)
		case field.Type.Kind() == reflect.String:
			flags.String(name, def, usage)
		case field.Type.Kind() == reflect.Int:
			n, _ := strconv.Atoi(def)
			flags.Int(name, n, usage)
		case field.Type.Kind() == reflect.Bool:
			b, _ := strconv.ParseBool(def)
			flags.Bool(name, b, usage)
		}
	}
}

// Default returns the configuration built from the default tags alone.
func Default() *Config {
	flags := pflag.NewFlagSet("default", pflag.ContinueOnError)
	RegisterFlags(flags)
	c, err := Load(flags)
	if err != nil {
		panic(err)
	}
	return c
}

// Load resolves the configuration. Precedence, highest first: flags set on
// the command line, environment, config file, flag defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges and parses the enumerated fields.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: negative delay %v", ErrInvalid, c.Delay)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity %d must be positive", ErrInvalid, c.Capacity)
	}
	if c.Capacity > edelay.MaxChunks*edelay.ChunkSize {
		return fmt.Errorf("%w: capacity %d exceeds %d bytes", ErrInvalid, c.Capacity, edelay.MaxChunks*edelay.ChunkSize)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Forward != "" {
		if _, _, err := net.SplitHostPort(c.Forward); err != nil {
			return fmt.Errorf("%w: forward %q: %w", ErrInvalid, c.Forward, err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy parses the overflow policy.
func (c *Config) Policy() (edelay.OverflowPolicy, error) {
	return edelay.ParseOverflowPolicy(c.Overflow)
}

// Level parses the log level.
func (c *Config) Level() (logiface.Level, error) {
	return ParseLevel(c.LogLevel)
}

// ParseLevel accepts the syslog keywords printed by logiface.Level.String,
// their long forms, and "off" for disabled.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency", "panic":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}
