package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/origin"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Client ClientConfig `yaml:"client"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	UI     UIConfig     `yaml:"ui"`
}

// ClientConfig configures a monitor. It is comparable so a registry can
// tell whether two monitors were built from the same settings.
type ClientConfig struct {
	// APIServerOrigin is the auth server's origin when it differs from
	// PageOrigin. It must be a bare origin such as "http://localhost:4000".
	APIServerOrigin string `yaml:"api_server_origin" env:"OMON_API_SERVER_ORIGIN"`
	// PageOrigin is the origin of the application embedding the monitor.
	PageOrigin           string        `yaml:"page_origin" env:"OMON_PAGE_ORIGIN"`
	RoutePaths           RoutePaths    `yaml:"route_paths"`
	FastInitialAuthCheck bool          `yaml:"fast_initial_auth_check" env:"OMON_FAST_INITIAL_AUTH_CHECK"`
	EagerRefreshTime     EagerRefresh  `yaml:"eager_refresh_time" env:"OMON_EAGER_REFRESH_TIME"`
	FocusCheckInterval   time.Duration `yaml:"focus_check_interval" env:"OMON_FOCUS_CHECK_INTERVAL"`
}

type RoutePaths struct {
	Prefix     string `yaml:"prefix" env:"OMON_ROUTE_PREFIX"`
	LoginPage  string `yaml:"login_page" env:"OMON_ROUTE_LOGIN_PAGE"`
	LogoutPage string `yaml:"logout_page" env:"OMON_ROUTE_LOGOUT_PAGE"`
	UserStatus string `yaml:"user_status" env:"OMON_ROUTE_USER_STATUS"`
}

type StoreConfig struct {
	Dir string `yaml:"dir" env:"OMON_STORE_DIR"`
	Key string `yaml:"key" env:"OMON_STORE_KEY"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" env:"OMON_HOST"`
	Port           int      `yaml:"port" env:"OMON_PORT"`
	AuthToken      string   `yaml:"auth_token" env:"OMON_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"OMON_ALLOWED_ORIGINS" envSeparator:","`
}

type UIConfig struct {
	LengthyLoginAfter time.Duration `yaml:"lengthy_login_after" env:"OMON_LENGTHY_LOGIN_AFTER"`
	DeferredStart     bool          `yaml:"deferred_start" env:"OMON_DEFERRED_START"`
}

// Route names one of the auth server's routes.
type Route int

const (
	LoginPage Route = iota
	LogoutPage
	UserStatus
)

// Path returns the prefixed path for route.
func (r RoutePaths) Path(route Route) string {
	var p string
	switch route {
	case LoginPage:
		p = r.LoginPage
	case LogoutPage:
		p = r.LogoutPage
	case UserStatus:
		p = r.UserStatus
	}
	return strings.TrimRight(r.Prefix, "/") + p
}

// Origin returns the API server origin, falling back to the page origin.
func (c ClientConfig) Origin() string {
	if c.APIServerOrigin != "" {
		return c.APIServerOrigin
	}
	return c.PageOrigin
}

// Validate checks the settings that must fail at setup time.
func (c ClientConfig) Validate() error {
	if c.APIServerOrigin != "" {
		if _, err := origin.Validate(c.APIServerOrigin); err != nil {
			return fmt.Errorf("api_server_origin: %w", err)
		}
	}
	if _, err := origin.Validate(c.PageOrigin); err != nil {
		return fmt.Errorf("page_origin: %w", err)
	}
	if !c.EagerRefreshTime.Disabled && c.EagerRefreshTime.Minutes < 0 {
		return fmt.Errorf("eager_refresh_time: must not be negative")
	}
	return nil
}

// EagerRefresh is how many minutes before access expiry the monitor
// refreshes, or disabled. It decodes from a number or from false.
type EagerRefresh struct {
	Minutes  float64
	Disabled bool
}

// EagerRefreshMinutes returns an enabled EagerRefresh.
func EagerRefreshMinutes(m float64) EagerRefresh {
	return EagerRefresh{Minutes: m}
}

// EagerRefreshOff disables proactive refresh.
var EagerRefreshOff = EagerRefresh{Disabled: true}

func (e EagerRefresh) String() string {
	if e.Disabled {
		return "false"
	}
	return strconv.FormatFloat(e.Minutes, 'f', -1, 64)
}

func (e *EagerRefresh) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!bool" {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		if b {
			return errors.New("eager_refresh_time: true is not valid, use minutes or false")
		}
		*e = EagerRefreshOff
		return nil
	}
	var m float64
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("eager_refresh_time: %w", err)
	}
	*e = EagerRefreshMinutes(m)
	return nil
}

func (e *EagerRefresh) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "false") {
		*e = EagerRefreshOff
		return nil
	}
	m, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("eager refresh time %q: want minutes or false", s)
	}
	*e = EagerRefreshMinutes(m)
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			PageOrigin: "http://localhost:8080",
			RoutePaths: RoutePaths{
				Prefix:     "/auth",
				LoginPage:  "/login",
				LogoutPage: "/logout",
				UserStatus: "/user-status",
			},
			EagerRefreshTime:   EagerRefreshMinutes(2.5),
			FocusCheckInterval: time.Second,
		},
		Store: StoreConfig{
			Key: "omc-user-status",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		UI: UIConfig{
			LengthyLoginAfter: 7 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults, then applies OMON_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
