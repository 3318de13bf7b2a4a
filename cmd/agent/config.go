package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/verifier"
)

// Config is the agent's YAML file. Secrets (the service token, Vault token)
// come from the environment, never from this file.
type Config struct {
	AgentID       string                      `yaml:"agent_id"`
	Addr          string                      `yaml:"addr"`
	Issuer        string                      `yaml:"issuer"`
	IssuerKeyIDs  []string                    `yaml:"issuer_key_ids"`
	IssuerKeys    []string                    `yaml:"issuer_keys"`
	ApprovalKeys  []string                    `yaml:"approval_keys"`
	AgentKey      string                      `yaml:"agent_key"`
	AuthorityURL  string                      `yaml:"authority_url"`
	LedgerPath    string                      `yaml:"ledger_path"`
	AuditPath     string                      `yaml:"audit_path"`
	RatePerMinute int                         `yaml:"rate_per_minute"`
	ClockSkew     time.Duration               `yaml:"clock_skew"`
	Handlers      map[string]verifier.Handler `yaml:"handlers"`
}

func defaultConfig() Config {
	return Config{
		Addr:          ":8443",
		Issuer:        verifier.DefaultIssuer,
		LedgerPath:    "/var/lib/ransomeye/ledger.db",
		AuditPath:     "/var/lib/ransomeye/audit.jsonl",
		RatePerMinute: 100,
		ClockSkew:     verifier.DefaultSkew,
	}
}

func loadConfig(path string) (Config, error) {
	// #nosec G304 -- operator supplied config path.
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read agent config: %w", err)
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) (Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse agent config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		host, _ := os.Hostname()
		c.AgentID = host
	}
	if strings.TrimSpace(c.AgentKey) == "" {
		return errors.New("agent_key required")
	}
	if len(c.ApprovalKeys) == 0 {
		return errors.New("approval_keys required")
	}
	if c.RatePerMinute <= 0 {
		return errors.New("rate_per_minute must be positive")
	}
	if c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute {
		return fmt.Errorf("clock_skew %s out of range", c.ClockSkew)
	}
	handlers := make(map[string]verifier.Handler, len(c.Handlers))
	for name, h := range c.Handlers {
		def, err := actions.Classify(name)
		if err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		if len(h.Command) == 0 {
			return fmt.Errorf("handler %s: command required", def.ID)
		}
		handlers[string(def.ID)] = h
	}
	c.Handlers = handlers
	return nil
}
