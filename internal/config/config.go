// Package config loads and validates the mailtrace configuration file and
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/mailtrace/internal/logparse"
)

// Method selects the aggregator backend.
type Method string

const (
	MethodSSH        Method = "ssh"
	MethodOpenSearch Method = "opensearch"
)

// Defaults applied when the config file leaves a key unset.
const (
	DefaultSSHTimeout       = 10
	DefaultOpenSearchPort   = 9200
	DefaultOpenSearchTZ     = "+00:00"
	DefaultSleepSeconds     = 60
	DefaultHoldRounds       = 2
	DefaultGoBackSeconds    = 10
	DefaultQueryConcurrency = 8
)

// Environment variables that override config file values.
const (
	EnvConfig             = "MAILTRACE_CONFIG"
	EnvSSHPassword        = "MAILTRACE_SSH_PASSWORD"
	EnvSudoPassword       = "MAILTRACE_SUDO_PASSWORD"
	EnvOpenSearchPassword = "MAILTRACE_OPENSEARCH_PASSWORD"
)

// HostConfig describes how to read and parse one host's logs. Empty fields
// fall back to the top-level defaults in SSHConfig.HostDefaults.
type HostConfig struct {
	LogFiles   []string `mapstructure:"log_files"`
	LogParser  string   `mapstructure:"log_parser"`
	TimeFormat string   `mapstructure:"time_format"`
}

// SSHConfig configures the remote-shell aggregator.
type SSHConfig struct {
	Username      string                `mapstructure:"username"`
	Password      string                `mapstructure:"password"`
	PrivateKey    string                `mapstructure:"private_key"`
	Sudo          bool                  `mapstructure:"sudo"`
	SudoPass      string                `mapstructure:"sudo_pass"`
	Timeout       int                   `mapstructure:"timeout"`
	SSHConfigFile string                `mapstructure:"ssh_config_file"`
	HostDefaults  HostConfig            `mapstructure:"host_config"`
	Hosts         map[string]HostConfig `mapstructure:"hosts"`
}

// Mapping names the index fields the OpenSearch aggregator reads.
type Mapping struct {
	Facility  string `mapstructure:"facility"`
	Hostname  string `mapstructure:"hostname"`
	Message   string `mapstructure:"message"`
	Timestamp string `mapstructure:"timestamp"`
	Service   string `mapstructure:"service"`
	QueueID   string `mapstructure:"queueid"`
	MessageID string `mapstructure:"message_id"`
}

// OpenSearchConfig configures the index aggregator.
type OpenSearchConfig struct {
	Host        string  `mapstructure:"host"`
	Port        int     `mapstructure:"port"`
	Username    string  `mapstructure:"username"`
	Password    string  `mapstructure:"password"`
	Index       string  `mapstructure:"index"`
	UseSSL      bool    `mapstructure:"use_ssl"`
	VerifyCerts bool    `mapstructure:"verify_certs"`
	TimeZone    string  `mapstructure:"time_zone"`
	Timeout     int     `mapstructure:"timeout"`
	Mapping     Mapping `mapstructure:"mapping"`
}

// TracingConfig configures the continuous pipeline.
type TracingConfig struct {
	SleepSeconds  int    `mapstructure:"sleep_seconds"`
	HoldRounds    int    `mapstructure:"hold_rounds"`
	GoBackSeconds int    `mapstructure:"go_back_seconds"`
	JournalPath   string `mapstructure:"journal_path"`
	OTelEndpoint  string `mapstructure:"otel_endpoint"`
}

// Config is the root configuration.
type Config struct {
	Method           Method              `mapstructure:"method"`
	LogLevel         string              `mapstructure:"log_level"`
	SSH              SSHConfig           `mapstructure:"ssh_config"`
	OpenSearch       OpenSearchConfig    `mapstructure:"opensearch_config"`
	Clusters         map[string][]string `mapstructure:"clusters"`
	Tracing          TracingConfig       `mapstructure:"tracing"`
	Domain           string              `mapstructure:"domain"`
	FinalDeliveryTag string              `mapstructure:"final_delivery_tag"`
	QueryConcurrency int                 `mapstructure:"query_concurrency"`
	AutoContinue     bool                `mapstructure:"auto_continue"`
}

// Load reads the config file at path (or $MAILTRACE_CONFIG, or ./config.yaml),
// applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("method", string(MethodSSH))
	v.SetDefault("log_level", "INFO")
	v.SetDefault("ssh_config.sudo", false)
	v.SetDefault("ssh_config.timeout", DefaultSSHTimeout)
	v.SetDefault("ssh_config.host_config.log_parser", "auto")
	v.SetDefault("opensearch_config.port", DefaultOpenSearchPort)
	v.SetDefault("opensearch_config.time_zone", DefaultOpenSearchTZ)
	v.SetDefault("opensearch_config.timeout", DefaultSSHTimeout)
	v.SetDefault("opensearch_config.mapping.hostname", "host.name")
	v.SetDefault("opensearch_config.mapping.message", "message")
	v.SetDefault("opensearch_config.mapping.timestamp", "@timestamp")
	v.SetDefault("tracing.sleep_seconds", DefaultSleepSeconds)
	v.SetDefault("tracing.hold_rounds", DefaultHoldRounds)
	v.SetDefault("tracing.go_back_seconds", DefaultGoBackSeconds)
	v.SetDefault("query_concurrency", DefaultQueryConcurrency)
	v.SetDefault("final_delivery_tag", "local")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies the MAILTRACE_* password overrides. Environment always
// wins over the config file.
func (c *Config) applyEnv() {
	if p := os.Getenv(EnvSSHPassword); p != "" {
		c.SSH.Password = p
	}
	if p := os.Getenv(EnvSudoPassword); p != "" {
		c.SSH.SudoPass = p
	}
	if p := os.Getenv(EnvOpenSearchPassword); p != "" {
		c.OpenSearch.Password = p
	}
}

// Validate checks enum values and per-method required fields.
func (c *Config) Validate() error {
	switch c.Method {
	case MethodSSH:
		if c.SSH.Username == "" {
			return errors.New("config: ssh_config.username is required")
		}
	case MethodOpenSearch:
		if c.OpenSearch.Host == "" {
			return errors.New("config: opensearch_config.host is required")
		}
		if c.OpenSearch.Index == "" {
			return errors.New("config: opensearch_config.index is required")
		}
		if _, err := ParseTimeZone(c.OpenSearch.TimeZone); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unsupported method %q (want ssh or opensearch)", c.Method)
	}

	if _, err := SlogLevel(c.LogLevel); err != nil {
		return err
	}

	for host := range c.SSH.Hosts {
		resolved := c.HostConfig(host)
		if _, err := logparse.New(resolved.LogParser, logparse.Options{}); err != nil {
			return fmt.Errorf("config: hosts.%s: %w", host, err)
		}
	}
	if _, err := logparse.New(c.SSH.HostDefaults.LogParser, logparse.Options{}); err != nil {
		return fmt.Errorf("config: host_config: %w", err)
	}
	return nil
}

// HostConfig resolves the effective per-host settings: the host's own entry
// with empty fields filled from the defaults.
func (c *Config) HostConfig(host string) HostConfig {
	resolved := c.SSH.HostDefaults
	hc, ok := c.SSH.Hosts[host]
	if !ok {
		hc, ok = c.SSH.Hosts[strings.ToLower(host)]
	}
	if !ok {
		return resolved
	}
	if len(hc.LogFiles) > 0 {
		resolved.LogFiles = hc.LogFiles
	}
	if hc.LogParser != "" {
		resolved.LogParser = hc.LogParser
	}
	if hc.TimeFormat != "" {
		resolved.TimeFormat = hc.TimeFormat
	}
	return resolved
}

// ResolveCluster expands a cluster alias into its physical members. A name
// with no cluster entry resolves to itself.
func (c *Config) ResolveCluster(name string) []string {
	if hosts, ok := c.Clusters[name]; ok && len(hosts) > 0 {
		return hosts
	}
	if hosts, ok := c.Clusters[strings.ToLower(name)]; ok && len(hosts) > 0 {
		return hosts
	}
	return []string{name}
}

// AllHosts returns every physical host named by the clusters map, in stable
// order (clusters by name, members as listed), deduplicated.
func (c *Config) AllHosts() []string {
	names := make([]string, 0, len(c.Clusters))
	for name := range c.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var hosts []string
	for _, name := range names {
		for _, h := range c.Clusters[name] {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}

// Qualify appends the configured DNS suffix to a bare (dot-free) hostname.
func (c *Config) Qualify(host string) string {
	if c.Domain == "" || strings.Contains(host, ".") {
		return host
	}
	return host + "." + strings.TrimPrefix(c.Domain, ".")
}

// SlogLevel maps the config log_level names onto slog levels.
func SlogLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return slog.LevelError + 4, nil
	default:
		return 0, fmt.Errorf("config: invalid log_level %q (want DEBUG, INFO, WARNING, ERROR, or CRITICAL)", name)
	}
}

// ParseTimeRange converts a "<int><unit>" range (units s, m, h, d) into a
// duration. The query window is [time - range, time + range].
func ParseTimeRange(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("config: invalid time range %q (want e.g. 30s, 10m, 2h, 1d)", s)
	}
	value := s[:len(s)-1]
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: invalid time range %q (want e.g. 30s, 10m, 2h, 1d)", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("config: invalid time range unit %q (want s, m, h, or d)", s[len(s)-1])
	}
}

// ParseTimeZone converts a "+HH:MM" offset into a fixed time.Location.
func ParseTimeZone(offset string) (*time.Location, error) {
	if offset == "" {
		return time.UTC, nil
	}
	var sign int
	switch offset[0] {
	case '+':
		sign = 1
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("config: invalid time_zone %q (want +HH:MM or -HH:MM)", offset)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(offset[1:], "%d:%d", &hh, &mm); err != nil {
		if _, err := fmt.Sscanf(offset[1:], "%d", &hh); err != nil {
			return nil, fmt.Errorf("config: invalid time_zone %q: %w", offset, err)
		}
	}
	if hh > 14 || mm > 59 {
		return nil, fmt.Errorf("config: invalid time_zone %q", offset)
	}
	return time.FixedZone(offset, sign*(hh*3600+mm*60)), nil
}
