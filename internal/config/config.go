// Package config provides configuration parsing and validation for the
// proxy core.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy core configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Poller    PollerConfig     `yaml:"poller"`
	Listeners []ListenerConfig `yaml:"listeners"`
	TLS       TLSInterceptConfig `yaml:"tls"`
	Workers   WorkersConfig    `yaml:"workers"`
	UDP       UDPConfig        `yaml:"udp"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus metrics registry. The core never
// exposes an HTTP endpoint for these itself; wiring promhttp.Handler is
// left to the embedding binary.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PollerConfig configures the readiness-based I/O engine.
type PollerConfig struct {
	// Backend selects the readiness backend: "epoll" (Linux only) or
	// "portable" (select-based, every GOOS). Empty means auto-detect:
	// epoll where available, portable elsewhere.
	Backend string `yaml:"backend"`

	// IdleTimeout is passed to the poller as Options.IdleTimeout, the
	// inactivity period before a watched fd enters the idle set. The
	// proxy does not act on the idle set; no CX is evicted for idleness.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RescanInterval is the granularity of the deferred rescan-in and
	// rescan-out timer sweeps.
	RescanInterval time.Duration `yaml:"rescan_interval"`

	// MaxEvents bounds how many ready descriptors a single wait call
	// returns before the engine must call again.
	MaxEvents int `yaml:"max_events"`
}

// ListenerConfig describes one bound listening socket the threaded
// receiver accepts connections on.
type ListenerConfig struct {
	Name string `yaml:"name"`

	// Address is the host:port (or unix socket path) to bind.
	Address string `yaml:"address"`

	// Transport is one of "tcp", "udp", "unix", "quic".
	Transport string `yaml:"transport"`

	// Transparent enables transparent-redirect mode: the original
	// destination is recovered via IP_TRANSPARENT/IP_RECVORIGDSTADDR
	// (or SO_ORIGINAL_DST on Linux) instead of trusting the connect
	// target the client dialed.
	Transparent bool `yaml:"transparent"`

	// Backlog is a listen() backlog size. It is validated but not
	// applied: listeners are opened with the system default backlog.
	Backlog int `yaml:"backlog"`

	// TLSIntercept enables TLS interception (ClientHello pre-peek plus
	// spoofed certificate) on accepted connections for this listener.
	TLSIntercept bool `yaml:"tls_intercept"`
}

// TLSInterceptConfig configures the certificate factory and the TLS
// communicator's interception behavior.
type TLSInterceptConfig struct {
	// CAFile / CAKeyFile are the root CA the factory signs spoofed
	// leaf certificates with.
	CAFile    string `yaml:"ca_file"`
	CAKeyFile string `yaml:"ca_key_file"`
	CAPEM     string `yaml:"ca_pem"`     // takes precedence over CAFile
	CAKeyPEM  string `yaml:"ca_key_pem"` // takes precedence over CAKeyFile

	// TrustStoreDir holds additional trusted root certificates consulted
	// when validating the real upstream server's certificate.
	TrustStoreDir string `yaml:"trust_store_dir"`

	// CertValidity is the validity window stamped onto minted leaf
	// certificates.
	CertValidity time.Duration `yaml:"cert_validity"`

	// DefaultKeyFile / DefaultKeyBits are parsed but not read by the
	// proxy: no key is loaded from, generated into or cached at this
	// path. The certificate factory generates its own default server
	// key in memory at startup.
	DefaultKeyFile string `yaml:"default_key_file"`
	DefaultKeyBits int    `yaml:"default_key_bits"`

	// MintCacheSize / OCSPCacheSize / CRLCacheSize / SessionCacheSize
	// bound the certificate factory's LRU caches.
	MintCacheSize    int `yaml:"mint_cache_size"`
	OCSPCacheSize    int `yaml:"ocsp_cache_size"`
	CRLCacheSize     int `yaml:"crl_cache_size"`
	SessionCacheSize int `yaml:"session_cache_size"`

	// OCSPCacheTTL / CRLCacheTTL bound how long cached responses are
	// reused before a refresh is attempted.
	OCSPCacheTTL time.Duration `yaml:"ocsp_cache_ttl"`
	CRLCacheTTL  time.Duration `yaml:"crl_cache_ttl"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if
// the inline PEM field is empty.
func (t *TLSInterceptConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CAFile != "" {
		return os.ReadFile(t.CAFile)
	}
	return nil, nil
}

// GetCAKeyPEM returns the CA private key PEM content, reading from file
// if the inline PEM field is empty.
func (t *TLSInterceptConfig) GetCAKeyPEM() ([]byte, error) {
	if t.CAKeyPEM != "" {
		return []byte(t.CAKeyPEM), nil
	}
	if t.CAKeyFile != "" {
		return os.ReadFile(t.CAKeyFile)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (file or inline).
func (t *TLSInterceptConfig) HasCA() bool {
	return t.CAFile != "" || t.CAPEM != ""
}

// HasCAKey returns true if a CA private key is configured (file or inline).
func (t *TLSInterceptConfig) HasCAKey() bool {
	return t.CAKeyFile != "" || t.CAKeyPEM != ""
}

// WorkersConfig configures the threaded receiver's worker pool.
type WorkersConfig struct {
	// PoolSize is the number of workers; each worker is its own master
	// proxy with its own poller.
	PoolSize int `yaml:"pool_size"`

	// QueueDepth is the per-worker hand-off queue depth for accepted
	// fds awaiting pickup.
	QueueDepth int `yaml:"queue_depth"`

	// LockShards must be a power of two. It is only validated; nothing
	// else reads it.
	LockShards int `yaml:"lock_shards"`
}

// UDPConfig configures the UDP virtual-socket demultiplexer.
type UDPConfig struct {
	// VirtualTableSize and FlowIdleTimeout are parsed but not read by
	// the proxy: the UDP demux neither bounds the number of tracked
	// flows nor reclaims idle ones.
	VirtualTableSize int `yaml:"virtual_table_size"`

	FlowIdleTimeout time.Duration `yaml:"flow_idle_timeout"`
}

// Default returns a Config populated with production-sane defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Poller: PollerConfig{
			Backend:        "",
			IdleTimeout:    5 * time.Minute,
			RescanInterval: 100 * time.Millisecond,
			MaxEvents:      256,
		},
		Listeners: nil,
		TLS: TLSInterceptConfig{
			CertValidity:     364 * 24 * time.Hour,
			DefaultKeyBits:   2048,
			MintCacheSize:    500,
			OCSPCacheSize:    500,
			CRLCacheSize:     500,
			SessionCacheSize: 500,
			OCSPCacheTTL:     1800 * time.Second,
			CRLCacheTTL:      86400 * time.Second,
		},
		Workers: WorkersConfig{
			PoolSize:   4,
			QueueDepth: 128,
			LockShards: 16,
		},
		UDP: UDPConfig{
			VirtualTableSize: 65536,
			FlowIdleTimeout:  2 * time.Minute,
		},
	}
}

// Load reads a YAML config file at path, expanding ${VAR} environment
// references, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of Default() and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars substitutes ${VAR} references with environment values,
// leaving the reference untouched if the variable is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: invalid level %q", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("logging.format: invalid format %q", c.Logging.Format)
	}

	if c.Poller.MaxEvents <= 0 {
		return fmt.Errorf("poller.max_events must be positive")
	}
	if c.Poller.RescanInterval <= 0 {
		return fmt.Errorf("poller.rescan_interval must be positive")
	}
	if c.Poller.Backend != "" && c.Poller.Backend != "epoll" && c.Poller.Backend != "portable" {
		return fmt.Errorf("poller.backend: invalid backend %q", c.Poller.Backend)
	}

	for i, l := range c.Listeners {
		if err := validateListener(l, i); err != nil {
			return err
		}
	}

	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be positive")
	}
	if c.Workers.QueueDepth <= 0 {
		return fmt.Errorf("workers.queue_depth must be positive")
	}
	if c.Workers.LockShards <= 0 || c.Workers.LockShards&(c.Workers.LockShards-1) != 0 {
		return fmt.Errorf("workers.lock_shards must be a positive power of two")
	}

	if c.UDP.VirtualTableSize <= 0 {
		return fmt.Errorf("udp.virtual_table_size must be positive")
	}

	if c.TLS.MintCacheSize <= 0 {
		return fmt.Errorf("tls.mint_cache_size must be positive")
	}

	return nil
}

func validateListener(l ListenerConfig, index int) error {
	if l.Address == "" {
		return fmt.Errorf("listeners[%d]: address is required", index)
	}
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("listeners[%d]: invalid transport %q", index, l.Transport)
	}
	if l.Backlog < 0 {
		return fmt.Errorf("listeners[%d]: backlog must not be negative", index)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func isValidTransport(transport string) bool {
	switch strings.ToLower(transport) {
	case "tcp", "udp", "unix", "quic":
		return true
	}
	return false
}

// Redacted returns a copy of the config with embedded private key
// material cleared, safe to log.
func (c *Config) Redacted() *Config {
	clone := *c
	clone.TLS.CAKeyPEM = ""
	if clone.TLS.CAKeyFile != "" {
		clone.TLS.CAKeyFile = "[redacted path retained: " + clone.TLS.CAKeyFile + "]"
	}
	return &clone
}

// String returns a redacted YAML rendering of the config, safe for logs.
func (c *Config) String() string {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(out)
}
