package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/petervdpas/pairline/internal/util"
)

type Config struct {
	Server    Server    `json:"server"`
	Auth      Auth      `json:"auth"`
	Calls     Calls     `json:"calls"`
	Chat      Chat      `json:"chat"`
	Notify    Notify    `json:"notify"`
	Storage   Storage   `json:"storage"`
	Accounts  Accounts  `json:"accounts"`
	Sanitizer Sanitizer `json:"sanitizer"`
	Logging   Logging   `json:"logging"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// Bearer token for /api/calls and /api/logs. Empty disables those routes.
	AdminToken string `json:"admin_token"`

	// Bearer token other backend services use to publish notifications
	// and query presence. Empty disables those routes.
	ServiceToken string `json:"service_token"`

	// Origins allowed to open /ws. Empty accepts any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	SendQueue       int   `json:"send_queue"`        // per-connection outbound frames
	PingIntervalSec int   `json:"ping_interval_sec"` // websocket keepalive
	WriteTimeoutSec int   `json:"write_timeout_sec"`
	ReadLimitBytes  int64 `json:"read_limit_bytes"`
	LogBufferSize   int   `json:"log_buffer_size"`
}

type Auth struct {
	// When false, join trusts the user_id in the frame and HTTP routes read
	// X-User-ID. Only meant for local development.
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Calls struct {
	RingTimeoutSec int         `json:"ring_timeout_sec"`
	AuthTimeoutMs  int         `json:"auth_timeout_ms"`
	RatePerMin     int         `json:"rate_per_min"`
	ICEServers     []ICEServer `json:"ice_servers"`
}

type Chat struct {
	MaxBodyLen   int `json:"max_body_len"`
	RatePerMin   int `json:"rate_per_min"`
	PersistQueue int `json:"persist_queue"`
}

type Notify struct {
	BacklogLimit int `json:"backlog_limit"`
}

type Storage struct {
	SQLitePath string `json:"sqlite_path"`
}

const (
	ProviderSQLite   = "sqlite"
	ProviderPostgres = "postgres"
	ProviderRemote   = "remote"
)

type Accounts struct {
	// Where premium status comes from: "sqlite" (local accounts table),
	// "postgres" (users table of the main backend) or "remote" (HTTP service).
	Provider    string `json:"provider"`
	PostgresDSN string `json:"postgres_dsn"`
	RemoteURL   string `json:"remote_url"`
	RemoteToken string `json:"remote_token"`
	CacheTTLSec int    `json:"cache_ttl_sec"` // 0 disables caching
}

type Sanitizer struct {
	// Newline separated list of blocked words. Reloaded on change.
	WordlistPath string `json:"wordlist_path"`
	Mask         string `json:"mask"`
	MaskContacts bool   `json:"mask_contacts"`
}

type Logging struct {
	Level      string            `json:"level"`
	Format     string            `json:"format"` // "color", "nocolor" or "json"
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:        "127.0.0.1:8790",
			SendQueue:       64,
			PingIntervalSec: 25,
			WriteTimeoutSec: 10,
			ReadLimitBytes:  64 << 10,
			LogBufferSize:   500,
		},
		Auth: Auth{
			Enabled: false,
			Issuer:  "pairline",
		},
		Calls: Calls{
			RingTimeoutSec: 45,
			AuthTimeoutMs:  2000,
			RatePerMin:     10,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Chat: Chat{
			MaxBodyLen:   4000,
			RatePerMin:   60,
			PersistQueue: 256,
		},
		Notify: Notify{
			BacklogLimit: 50,
		},
		Storage: Storage{
			SQLitePath: "data/pairline.db",
		},
		Accounts: Accounts{
			Provider:    ProviderSQLite,
			CacheTTLSec: 30,
		},
		Sanitizer: Sanitizer{
			Mask:         "***",
			MaskContacts: true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "nocolor",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}
	if c.Server.SendQueue < 1 || c.Server.SendQueue > 4096 {
		return errors.New("server.send_queue must be 1..4096")
	}
	if c.Server.PingIntervalSec <= 0 {
		return errors.New("server.ping_interval_sec must be > 0")
	}
	if c.Server.WriteTimeoutSec <= 0 {
		return errors.New("server.write_timeout_sec must be > 0")
	}
	if c.Server.ReadLimitBytes < 1024 {
		return errors.New("server.read_limit_bytes must be >= 1024")
	}
	if c.Server.LogBufferSize <= 0 {
		return errors.New("server.log_buffer_size must be > 0")
	}
	for _, o := range c.Server.AllowedOrigins {
		if err := validateHTTPURL(o); err != nil {
			return fmt.Errorf("server.allowed_origins %q: %w", o, err)
		}
	}

	// Auth
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes when auth is enabled")
	}

	// Calls
	if c.Calls.RingTimeoutSec < 5 || c.Calls.RingTimeoutSec > 300 {
		return errors.New("calls.ring_timeout_sec must be 5..300")
	}
	if c.Calls.AuthTimeoutMs < 100 || c.Calls.AuthTimeoutMs > 30000 {
		return errors.New("calls.auth_timeout_ms must be 100..30000")
	}
	if c.Calls.RatePerMin <= 0 {
		return errors.New("calls.rate_per_min must be > 0")
	}
	for i, s := range c.Calls.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("calls.ice_servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("calls.ice_servers[%d]: %q must start with stun:, turn: or turns:", i, u)
			}
		}
	}

	// Chat
	if c.Chat.MaxBodyLen < 1 || c.Chat.MaxBodyLen > 65536 {
		return errors.New("chat.max_body_len must be 1..65536")
	}
	if c.Chat.RatePerMin <= 0 {
		return errors.New("chat.rate_per_min must be > 0")
	}
	if c.Chat.PersistQueue <= 0 {
		return errors.New("chat.persist_queue must be > 0")
	}

	// Notify
	if c.Notify.BacklogLimit < 1 || c.Notify.BacklogLimit > 500 {
		return errors.New("notify.backlog_limit must be 1..500")
	}

	// Storage
	if strings.TrimSpace(c.Storage.SQLitePath) == "" {
		return errors.New("storage.sqlite_path is required")
	}

	// Accounts
	switch c.Accounts.Provider {
	case ProviderSQLite:
	case ProviderPostgres:
		if strings.TrimSpace(c.Accounts.PostgresDSN) == "" {
			return errors.New("accounts.postgres_dsn is required when provider is postgres")
		}
	case ProviderRemote:
		if err := validateHTTPURL(c.Accounts.RemoteURL); err != nil {
			return fmt.Errorf("accounts.remote_url: %w", err)
		}
	default:
		return fmt.Errorf("accounts.provider must be one of %s, %s, %s", ProviderSQLite, ProviderPostgres, ProviderRemote)
	}
	if c.Accounts.CacheTTLSec < 0 {
		return errors.New("accounts.cache_ttl_sec must be >= 0")
	}

	// Sanitizer
	if c.Sanitizer.Mask == "" {
		return errors.New("sanitizer.mask is required")
	}

	// Logging
	switch c.Logging.Format {
	case "", "color", "nocolor", "json":
	default:
		return errors.New("logging.format must be color, nocolor or json")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Relative paths are
// resolved against the file's directory. The migrate command
// uses it since it only needs storage.sqlite_path.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the config file's
// directory instead of the working directory.
func (c *Config) resolvePaths(dir string) {
	if c.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = util.ResolvePath(dir, c.Storage.SQLitePath)
	}
	if c.Sanitizer.WordlistPath != "" {
		c.Sanitizer.WordlistPath = util.ResolvePath(dir, c.Sanitizer.WordlistPath)
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
