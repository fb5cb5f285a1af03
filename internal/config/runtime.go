package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/viper"
)

// RuntimeDocument is the deployment-time override document, served as /config.json.
type RuntimeDocument struct {
	BaseURL string
}

// ParseRuntime decodes a runtime JSON document.
func ParseRuntime(data []byte) (RuntimeDocument, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return RuntimeDocument{}, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	return RuntimeDocument{BaseURL: v.GetString("BASE_URL")}, nil
}

// ReadRuntime loads the document from an http(s) URL or a local file path.
func ReadRuntime(ctx context.Context, hc *http.Client, location string) (RuntimeDocument, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		v := viper.New()
		v.SetConfigFile(location)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return RuntimeDocument{}, fmt.Errorf("failed to read runtime config: %w", err)
		}
		return RuntimeDocument{BaseURL: v.GetString("BASE_URL")}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return RuntimeDocument{}, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return RuntimeDocument{}, fmt.Errorf("failed to fetch runtime config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RuntimeDocument{}, fmt.Errorf("failed to fetch runtime config: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RuntimeDocument{}, fmt.Errorf("failed to read runtime config: %w", err)
	}
	return ParseRuntime(data)
}

// Resolve applies the runtime document, if configured, and returns the final Config.
// Any failure keeps the environment values.
func (c Config) Resolve(ctx context.Context, hc *http.Client, logger *slog.Logger) Config {
	if c.RuntimeConfig == "" {
		return c
	}

	doc, err := ReadRuntime(ctx, hc, c.RuntimeConfig)
	if err != nil {
		logger.Warn("failed to load runtime configuration", "location", c.RuntimeConfig, "error", err)
		return c
	}
	if doc.BaseURL == "" {
		return c
	}

	resolved := c
	resolved.BaseURL = strings.TrimSuffix(doc.BaseURL, "/")
	if err := resolved.Validate(); err != nil {
		logger.Warn("ignoring runtime configuration", "location", c.RuntimeConfig, "error", err)
		return c
	}
	logger.Info("runtime configuration loaded", "base_url", resolved.BaseURL)
	return resolved
}
