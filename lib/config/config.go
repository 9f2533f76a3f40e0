package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v2"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/sink"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

const (
	EnvConfigFile   = "AIPROXY_CONFIG"
	defaultFilename = "~/.config/aiproxy/aiproxy.yaml"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Upstream   Upstream   `yaml:"upstream"`
	Pagination Pagination `yaml:"pagination"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

func (c *Config) setDefaults() error {
	if err := c.Server.setDefaults(); err != nil {
		return fmt.Errorf("error setting defaults for server: %w", err)
	}
	if err := c.Upstream.setDefaults(); err != nil {
		return fmt.Errorf("error setting defaults for upstream: %w", err)
	}
	if err := c.Pagination.setDefaults(); err != nil {
		return fmt.Errorf("error setting defaults for pagination: %w", err)
	}
	if err := c.Telemetry.setDefaults(); err != nil {
		return fmt.Errorf("error setting defaults for telemetry: %w", err)
	}
	return nil
}

type Server struct {
	Host            string        `yaml:"host" env:"AIPROXY_HOST, overwrite"`
	Port            int           `yaml:"port" env:"AIPROXY_PORT, overwrite"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"AIPROXY_MAX_BODY_BYTES, overwrite"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"AIPROXY_SHUTDOWN_TIMEOUT, overwrite"`
}

func (s *Server) setDefaults() error {
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 1024 * 1024
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

type Upstream struct {
	BaseURL           string        `yaml:"base_url" env:"AIPROXY_UPSTREAM_BASE_URL, overwrite"`
	Timeout           time.Duration `yaml:"timeout" env:"AIPROXY_UPSTREAM_TIMEOUT, overwrite"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"AIPROXY_UPSTREAM_REQUESTS_PER_SECOND, overwrite"`
	Burst             int           `yaml:"burst" env:"AIPROXY_UPSTREAM_BURST, overwrite"`
	ShapePolicy       string        `yaml:"shape_policy" env:"AIPROXY_UPSTREAM_SHAPE_POLICY, overwrite"`
	MaxResponseBytes  int64         `yaml:"max_response_bytes" env:"AIPROXY_UPSTREAM_MAX_RESPONSE_BYTES, overwrite"`
}

func (u *Upstream) setDefaults() error {
	if u.BaseURL == "" {
		u.BaseURL = queryclient.DefaultBaseURL
	}
	if u.Timeout == 0 {
		u.Timeout = queryclient.DefaultTimeout
	}
	if u.RequestsPerSecond > 0 && u.Burst == 0 {
		u.Burst = 1
	}
	if u.ShapePolicy == "" {
		u.ShapePolicy = string(paginate.ShapePolicyFirstPage)
	}
	if u.MaxResponseBytes == 0 {
		u.MaxResponseBytes = queryclient.DefaultMaxResponseBytes
	}
	return nil
}

type Pagination struct {
	DefaultPageSize int           `yaml:"default_page_size" env:"AIPROXY_DEFAULT_PAGE_SIZE, overwrite"`
	MaxPageSize     int           `yaml:"max_page_size" env:"AIPROXY_MAX_PAGE_SIZE, overwrite"`
	CursorQuantum   time.Duration `yaml:"cursor_quantum" env:"AIPROXY_CURSOR_QUANTUM, overwrite"`
	WindowMode      string        `yaml:"window_mode" env:"AIPROXY_WINDOW_MODE, overwrite"`
	DefaultLookback time.Duration `yaml:"default_lookback" env:"AIPROXY_DEFAULT_LOOKBACK, overwrite"`
	OutputMode      string        `yaml:"output_mode" env:"AIPROXY_OUTPUT_MODE, overwrite"`
	TimestampColumn string        `yaml:"timestamp_column" env:"AIPROXY_TIMESTAMP_COLUMN, overwrite"`
}

func (p *Pagination) setDefaults() error {
	if p.DefaultPageSize == 0 {
		p.DefaultPageSize = proxyapi.DefaultPageSize
	}
	if p.MaxPageSize == 0 {
		p.MaxPageSize = 10 * proxyapi.DefaultPageSize
	}
	if p.CursorQuantum == 0 {
		p.CursorQuantum = paginate.DefaultCursorQuantum
	}
	if p.WindowMode == "" {
		p.WindowMode = string(timewindow.ModeStrict)
	}
	if p.DefaultLookback == 0 {
		p.DefaultLookback = timewindow.DefaultLookback
	}
	if p.OutputMode == "" {
		p.OutputMode = string(sink.OutputStreaming)
	}
	if p.TimestampColumn == "" {
		p.TimestampColumn = "timestamp"
	}
	return nil
}

type Telemetry struct {
	Enabled     bool   `yaml:"enabled" env:"AIPROXY_TELEMETRY_ENABLED, overwrite"`
	ServiceName string `yaml:"service_name" env:"AIPROXY_SERVICE_NAME, overwrite"`
	Metrics     *bool  `yaml:"metrics" env:"AIPROXY_METRICS, overwrite"`
}

func (t *Telemetry) setPointerDefaults() {
	if t.Metrics == nil {
		enabled := true
		t.Metrics = &enabled
	}
}

func (t *Telemetry) setDefaults() error {
	if t.ServiceName == "" {
		t.ServiceName = "aiproxy"
	}
	t.setPointerDefaults()
	return nil
}

func (t Telemetry) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

func (c Config) ShapePolicy() paginate.ShapePolicy {
	p, err := paginate.ParseShapePolicy(c.Upstream.ShapePolicy)
	if err != nil {
		return paginate.ShapePolicyFirstPage
	}
	return p
}

func (c Config) WindowMode() timewindow.Mode {
	m, err := timewindow.ParseMode(c.Pagination.WindowMode)
	if err != nil {
		return timewindow.ModeStrict
	}
	return m
}

func (c Config) OutputMode() sink.OutputMode {
	m, err := sink.ParseOutputMode(c.Pagination.OutputMode)
	if err != nil {
		return sink.OutputStreaming
	}
	return m
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes < 0 {
		result = multierror.Append(result, errors.New("server.max_body_bytes must not be negative"))
	}
	if c.Server.ShutdownTimeout < 0 {
		result = multierror.Append(result, errors.New("server.shutdown_timeout must not be negative"))
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil {
		result = multierror.Append(result, fmt.Errorf("upstream.base_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		result = multierror.Append(result, fmt.Errorf("upstream.base_url %q must be http or https", c.Upstream.BaseURL))
	}
	if c.Upstream.Timeout < 0 {
		result = multierror.Append(result, errors.New("upstream.timeout must not be negative"))
	}
	if c.Upstream.RequestsPerSecond < 0 {
		result = multierror.Append(result, errors.New("upstream.requests_per_second must not be negative"))
	}
	if c.Upstream.Burst < 0 {
		result = multierror.Append(result, errors.New("upstream.burst must not be negative"))
	}
	if _, err := paginate.ParseShapePolicy(c.Upstream.ShapePolicy); err != nil {
		result = multierror.Append(result, fmt.Errorf("upstream.shape_policy: %w", err))
	}
	if c.Upstream.MaxResponseBytes < 0 {
		result = multierror.Append(result, errors.New("upstream.max_response_bytes must not be negative"))
	}

	if c.Pagination.DefaultPageSize <= 0 {
		result = multierror.Append(result, errors.New("pagination.default_page_size must be positive"))
	}
	if c.Pagination.MaxPageSize < c.Pagination.DefaultPageSize {
		result = multierror.Append(result, fmt.Errorf("pagination.max_page_size %d is below default_page_size %d", c.Pagination.MaxPageSize, c.Pagination.DefaultPageSize))
	}
	if c.Pagination.CursorQuantum <= 0 {
		result = multierror.Append(result, errors.New("pagination.cursor_quantum must be positive"))
	}
	if _, err := timewindow.ParseMode(c.Pagination.WindowMode); err != nil {
		result = multierror.Append(result, fmt.Errorf("pagination.window_mode: %w", err))
	}
	if c.Pagination.DefaultLookback <= 0 {
		result = multierror.Append(result, errors.New("pagination.default_lookback must be positive"))
	}
	if _, err := sink.ParseOutputMode(c.Pagination.OutputMode); err != nil {
		result = multierror.Append(result, fmt.Errorf("pagination.output_mode: %w", err))
	}
	if strings.TrimSpace(c.Pagination.TimestampColumn) == "" {
		result = multierror.Append(result, errors.New("pagination.timestamp_column must not be blank"))
	}

	return result.ErrorOrNil()
}

// DefaultFilename is $AIPROXY_CONFIG, or the per-user config file.
func DefaultFilename() (string, error) {
	if env := os.Getenv(EnvConfigFile); env != "" {
		return env, nil
	}
	return homedir.Expand(defaultFilename)
}

// Filenames lists the files Load would consider, in priority order.
func Filenames() ([]string, error) {
	var rv []string
	if env := os.Getenv(EnvConfigFile); env != "" {
		rv = append(rv, env)
	}
	fn, err := homedir.Expand(defaultFilename)
	if err != nil {
		return nil, err
	}
	return append(rv, fn), nil
}

func Load(ctx context.Context, filenameOrData string) (*Config, error) {
	return load(ctx, filenameOrData, envconfig.OsLookuper())
}

func load(ctx context.Context, filenameOrData string, lookuper envconfig.Lookuper) (*Config, error) {
	var config Config

	var data []byte

	switch {
	case filenameOrData == "":
	case strings.HasPrefix(strings.TrimSpace(filenameOrData), "{"):
		data = []byte(filenameOrData)
	default:
		content, err := os.ReadFile(filenameOrData)
		if err != nil {
			return nil, err
		}
		data = content
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// envconfig allocates nil pointer fields, so pointer defaults must be
	// in place before it runs.
	config.Telemetry.setPointerDefaults()

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}

	if err := config.setDefaults(); err != nil {
		return nil, fmt.Errorf("error setting defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	return &config, nil
}

// LoadDefault loads DefaultFilename if it exists and the built-in defaults
// otherwise.
func LoadDefault(ctx context.Context) (*Config, string, error) {
	fn, err := DefaultFilename()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(fn); err != nil {
		if os.IsNotExist(err) && os.Getenv(EnvConfigFile) == "" {
			cfg, err := Load(ctx, "")
			return cfg, "", err
		}
		return nil, "", err
	}
	cfg, err := Load(ctx, fn)
	return cfg, fn, err
}
