package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variable names recognised by Teleton. Env values override the
// configuration file.
const (
	EnvAPIKey       = "TELETON_API_KEY"
	EnvTGAPIID      = "TELETON_TG_API_ID"
	EnvTGAPIHash    = "TELETON_TG_API_HASH"
	EnvTGPhone      = "TELETON_TG_PHONE"
	EnvWebUIEnabled = "TELETON_WEBUI_ENABLED"
	EnvWebUIPort    = "TELETON_WEBUI_PORT"
	EnvWebUIHost    = "TELETON_WEBUI_HOST"
	EnvBaseURL      = "TELETON_BASE_URL"
	EnvTavilyAPIKey = "TELETON_TAVILY_API_KEY"
	EnvTonAPIKey    = "TELETON_TONAPI_KEY"
)

// ApplyEnv overlays environment variables onto cfg. The getenv function is
// injectable for tests.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvAPIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv(EnvTGAPIID); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvTGAPIID, err)
		}
		cfg.Telegram.APIID = id
	}
	if v := getenv(EnvTGAPIHash); v != "" {
		cfg.Telegram.APIHash = v
	}
	if v := getenv(EnvTGPhone); v != "" {
		cfg.Telegram.Phone = v
	}
	if v := getenv(EnvWebUIEnabled); v != "" {
		enabled, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", EnvWebUIEnabled, err)
		}
		cfg.WebUI.Enabled = enabled
	}
	if v := getenv(EnvWebUIPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvWebUIPort, err)
		}
		if port < 1024 || port > 65535 {
			return fmt.Errorf("%s must be in 1024..65535, got %d", EnvWebUIPort, port)
		}
		cfg.WebUI.Port = port
	}
	if v := getenv(EnvWebUIHost); v != "" {
		cfg.WebUI.Host = v
	}
	if v := getenv(EnvBaseURL); v != "" {
		cfg.WebUI.BaseURL = v
	}
	if v := getenv(EnvTavilyAPIKey); v != "" {
		cfg.Tools.TavilyAPIKey = v
	}
	if v := getenv(EnvTonAPIKey); v != "" {
		cfg.Tools.TonAPIKey = v
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("unrecognised value %q", v)
}
