package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"
)

// decode strictly decodes a JSON or YAML document. YAML is converted to JSON
// first so both formats reject unknown fields the same way.
func decode(path string, data []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}
	jb, err := coerceToJSON(path, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// stringKeys makes YAML maps JSON-marshalable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// envOverlay holds the variables that override file values when set.
type envOverlay struct {
	Token       string   `env:"TG_BOT_TOKEN"`
	Channel     string   `env:"TG_CHANNEL"`
	ChannelID   string   `env:"TG_CHANNEL_ID"`
	Timezone    string   `env:"TZ"`
	Slots       []string `env:"POST_SLOTS" envSeparator:","`
	DatabaseURL string   `env:"DATABASE_URL"`
	LogLevel    string   `env:"SLOTPOST_LOG_LEVEL"`
	OpsToken    string   `env:"SLOTPOST_OPS_TOKEN"`
}

// applyEnv overlays environment values. environ nil means the process env.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	// TG_CHANNEL wins over TG_CHANNEL_ID.
	set(&cfg.Telegram.Channel, o.ChannelID)
	set(&cfg.Telegram.Channel, o.Channel)
	set(&cfg.Queue.Timezone, o.Timezone)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Ops.Token, o.OpsToken)

	if len(o.Slots) > 0 {
		slots := make([]string, 0, len(o.Slots))
		for _, s := range o.Slots {
			if s = strings.TrimSpace(s); s != "" {
				slots = append(slots, s)
			}
		}
		if len(slots) > 0 {
			cfg.Queue.Slots = slots
		}
	}

	if u := strings.TrimSpace(o.DatabaseURL); u != "" {
		switch {
		case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
			cfg.Storage.Driver, cfg.Storage.DSN = "postgres", u
		default:
			cfg.Storage.Driver, cfg.Storage.Path = "sqlite", strings.TrimPrefix(u, "sqlite://")
		}
	}
	return nil
}
