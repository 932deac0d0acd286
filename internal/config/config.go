package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/pathutil"
)

// Keys used in the config file, environment (RESCALE_FETCH_<KEY>) and flag bindings.
const (
	KeyConnectionLimit    = "connection_limit"
	KeySegmentRetryLimit  = "segment_retry_limit"
	KeyDecryptParallelism = "decrypt_parallelism"
	KeySegmentSize        = "segment_size"
	KeyRequestsPerSecond  = "requests_per_second"
	KeyMode               = "mode"
	KeyStateDir           = "state_dir"
	KeyFallbackDir        = "fallback_dir"
	KeyOutputDir          = "output_dir"
	KeyResumeSession      = "resume_session"
	KeyRetryRounds        = "retry_rounds"
	KeyMetricsAddr        = "metrics_addr"
	KeyLogFormat          = "log_format"
	KeyDebug              = "debug"
	KeyS3Region           = "s3_region"
	KeyS3Endpoint         = "s3_endpoint"
	KeyProxyMode          = "proxy_mode"
	KeyProxyHost          = "proxy_host"
	KeyProxyPort          = "proxy_port"
	KeyProxyUser          = "proxy_user"
	KeyProxyPassword      = "proxy_password"
	KeyNoProxy            = "no_proxy"
	KeyProxyWarmupURL     = "proxy_warmup_url"

	EnvPrefix = "RESCALE_FETCH"
)

// Pipeline modes.
const (
	ModeStream = "stream" // decrypt each segment as soon as it is fetched
	ModeBatch  = "batch"  // decrypt after every segment is fetched
)

// Config holds all engine and CLI settings.
type Config struct {
	ConnectionLimit    int
	SegmentRetryLimit  int // constants.UnboundedRetries for no limit
	DecryptParallelism int
	SegmentSize        int64
	RequestsPerSecond  float64
	Mode               string

	StateDir      string
	FallbackDir   string
	OutputDir     string
	ResumeSession string // reuse resume state from this session id

	RetryRounds int    // automatic retry-failed rounds in the CLI
	MetricsAddr string // serve Prometheus metrics when set
	LogFormat   string
	Debug       bool

	S3Region   string
	S3Endpoint string // S3-compatible endpoint override; path-style addressing when set

	// Proxy settings
	ProxyMode      string // "no-proxy", "system", "basic", "ntlm"
	ProxyHost      string
	ProxyPort      int
	ProxyUser      string
	ProxyPassword  string
	NoProxy        string // comma-separated hosts/CIDRs that bypass the proxy
	ProxyWarmupURL string
}

// NewDefault returns a Config with every default applied.
func NewDefault() *Config {
	return &Config{
		ConnectionLimit:    constants.DefaultConnectionLimit,
		SegmentRetryLimit:  constants.DefaultSegmentRetryLimit,
		DecryptParallelism: constants.DefaultDecryptParallelism,
		SegmentSize:        constants.DefaultSegmentSize,
		RequestsPerSecond:  constants.DefaultRequestsPerSecond,
		Mode:               ModeStream,
		StateDir:           DefaultStateDir(),
		FallbackDir:        os.TempDir(),
		OutputDir:          ".",
		RetryRounds:        2,
		LogFormat:          "console",
		ProxyMode:          "no-proxy",
	}
}

// SetDefaults registers defaults on v so unset keys fall back to NewDefault.
func SetDefaults(v *viper.Viper) {
	d := NewDefault()
	v.SetDefault(KeyConnectionLimit, d.ConnectionLimit)
	v.SetDefault(KeySegmentRetryLimit, strconv.Itoa(d.SegmentRetryLimit))
	v.SetDefault(KeyDecryptParallelism, d.DecryptParallelism)
	v.SetDefault(KeySegmentSize, d.SegmentSize)
	v.SetDefault(KeyRequestsPerSecond, d.RequestsPerSecond)
	v.SetDefault(KeyMode, d.Mode)
	v.SetDefault(KeyStateDir, d.StateDir)
	v.SetDefault(KeyFallbackDir, d.FallbackDir)
	v.SetDefault(KeyOutputDir, d.OutputDir)
	v.SetDefault(KeyRetryRounds, d.RetryRounds)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyProxyMode, d.ProxyMode)
	v.SetDefault(KeyProxyPort, 8080)
}

// Load builds a Config from v and normalizes it. Values outside their allowed
// range are clamped and reported in the returned warnings.
func Load(v *viper.Viper) (*Config, []string, error) {
	retryLimit, err := ParseRetryLimit(v.GetString(KeySegmentRetryLimit))
	if err != nil {
		return nil, nil, err
	}

	cfg := &Config{
		ConnectionLimit:    v.GetInt(KeyConnectionLimit),
		SegmentRetryLimit:  retryLimit,
		DecryptParallelism: v.GetInt(KeyDecryptParallelism),
		SegmentSize:        v.GetInt64(KeySegmentSize),
		RequestsPerSecond:  v.GetFloat64(KeyRequestsPerSecond),
		Mode:               strings.ToLower(v.GetString(KeyMode)),
		StateDir:           v.GetString(KeyStateDir),
		FallbackDir:        v.GetString(KeyFallbackDir),
		OutputDir:          v.GetString(KeyOutputDir),
		ResumeSession:      v.GetString(KeyResumeSession),
		RetryRounds:        v.GetInt(KeyRetryRounds),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		LogFormat:          v.GetString(KeyLogFormat),
		Debug:              v.GetBool(KeyDebug),
		S3Region:           v.GetString(KeyS3Region),
		S3Endpoint:         v.GetString(KeyS3Endpoint),
		ProxyMode:          strings.ToLower(v.GetString(KeyProxyMode)),
		ProxyHost:          v.GetString(KeyProxyHost),
		ProxyPort:          v.GetInt(KeyProxyPort),
		ProxyUser:          v.GetString(KeyProxyUser),
		ProxyPassword:      v.GetString(KeyProxyPassword),
		NoProxy:            v.GetString(KeyNoProxy),
		ProxyWarmupURL:     v.GetString(KeyProxyWarmupURL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	for _, dir := range []*string{&cfg.StateDir, &cfg.FallbackDir, &cfg.OutputDir} {
		if *dir == "" {
			continue
		}
		abs, err := pathutil.ResolveAbsolutePath(*dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve %s: %w", *dir, err)
		}
		*dir = abs
	}
	return cfg, cfg.Normalize(), nil
}

// ParseRetryLimit accepts a non-negative integer, or "unbounded" (also "-1",
// "infinite") for no limit.
func ParseRetryLimit(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return constants.DefaultSegmentRetryLimit, nil
	case "unbounded", "infinite", "-1":
		return constants.UnboundedRetries, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid segment retry limit %q: want a non-negative integer or \"unbounded\"", s)
	}
	return n, nil
}

// Validate rejects values that cannot be clamped into something sensible.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStream, ModeBatch:
	default:
		return fmt.Errorf("invalid mode %q: want %q or %q", c.Mode, ModeStream, ModeBatch)
	}
	switch c.ProxyMode {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return fmt.Errorf("unsupported proxy mode: %s", c.ProxyMode)
	}
	return nil
}

// Normalize clamps numeric settings into their allowed ranges and returns a
// description of every adjustment.
func (c *Config) Normalize() []string {
	var warnings []string

	clampInt := func(name string, v *int, lo, hi, def int) {
		switch {
		case *v == 0:
			*v = def
		case *v < lo:
			warnings = append(warnings, fmt.Sprintf("%s %d below minimum, using %d", name, *v, lo))
			*v = lo
		case *v > hi:
			warnings = append(warnings, fmt.Sprintf("%s %d above maximum, using %d", name, *v, hi))
			*v = hi
		}
	}
	clampInt(KeyConnectionLimit, &c.ConnectionLimit,
		constants.MinConnectionLimit, constants.MaxConnectionLimit, constants.DefaultConnectionLimit)
	clampInt(KeyDecryptParallelism, &c.DecryptParallelism,
		constants.MinDecryptParallelism, constants.MaxDecryptParallelism, constants.DefaultDecryptParallelism)

	switch {
	case c.SegmentSize == 0:
		c.SegmentSize = constants.DefaultSegmentSize
	case c.SegmentSize < constants.MinSegmentSize:
		warnings = append(warnings, fmt.Sprintf("%s %d below minimum, using %d", KeySegmentSize, c.SegmentSize, constants.MinSegmentSize))
		c.SegmentSize = constants.MinSegmentSize
	case c.SegmentSize > constants.MaxSegmentSize:
		warnings = append(warnings, fmt.Sprintf("%s %d above maximum, using %d", KeySegmentSize, c.SegmentSize, constants.MaxSegmentSize))
		c.SegmentSize = constants.MaxSegmentSize
	}

	if c.SegmentRetryLimit < constants.UnboundedRetries {
		c.SegmentRetryLimit = constants.UnboundedRetries
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = constants.DefaultRequestsPerSecond
	}
	if c.RetryRounds < 0 {
		c.RetryRounds = 0
	}
	if c.Mode == "" {
		c.Mode = ModeStream
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.FallbackDir == "" {
		c.FallbackDir = os.TempDir()
	}
	return warnings
}

// RetryUnbounded reports whether segments retry forever.
func (c *Config) RetryUnbounded() bool {
	return c.SegmentRetryLimit == constants.UnboundedRetries
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided.
func (c *Config) NeedsProxyPassword() bool {
	if c.ProxyMode != "basic" && c.ProxyMode != "ntlm" {
		return false
	}
	return c.ProxyUser != "" && c.ProxyPassword == ""
}
