package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultEngineDepth      = 6
	DefaultReconnectDelay   = 2500 * time.Millisecond
	DefaultOpeningDebounce  = 300 * time.Millisecond
	DefaultEngineAPIFlag    = "--api"
	DefaultBridgeListenAddr = ":3001"
)

// ServerConfig drives cmd/bridge-server.
type ServerConfig struct {
	ListenAddr     string
	WSPath         string
	EngineBinary   string
	EngineAPIFlag  string
	EngineArgs     []string
	ReadLimit      int64
	AllowedOrigins []string

	RedisURL   string
	SessionTTL time.Duration
}

// ClientConfig drives cmd/chess-client.
type ClientConfig struct {
	BridgeURL       string
	EngineDepth     int
	ReconnectDelay  time.Duration
	OpeningDebounce time.Duration
	PlayerColor     string
	GameMode        string
	DatabaseURL     string
}

// UCIConfig drives cmd/uci-api-engine.
type UCIConfig struct {
	EnginePath  string
	Threads     int
	HashMB      int
	MultiPV     int
	MoveTimeout time.Duration
}

// LoadDotEnv reads .env (or the given files) into the process environment.
// A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:    getenvDefault("BRIDGE_LISTEN_ADDR", DefaultBridgeListenAddr),
		WSPath:        getenvDefault("BRIDGE_WS_PATH", "/ws"),
		EngineBinary:  strings.TrimSpace(os.Getenv("ENGINE_BINARY")),
		EngineAPIFlag: getenvDefault("ENGINE_API_FLAG", DefaultEngineAPIFlag),
		ReadLimit:     1 << 20,
		SessionTTL:    10 * time.Minute,
	}
	cfg.EngineArgs = strings.Fields(os.Getenv("ENGINE_ARGS"))
	cfg.AllowedOrigins = splitList(os.Getenv("BRIDGE_ALLOWED_ORIGINS"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	if v := strings.TrimSpace(os.Getenv("BRIDGE_READ_LIMIT")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.ReadLimit = n
		}
	}
	if d, ok := getenvDuration("SESSION_TTL"); ok {
		cfg.SessionTTL = d
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	return cfg, nil
}

// Validate is called after CLI flags have been applied.
func (c *ServerConfig) Validate() error {
	if c.EngineBinary == "" {
		return errors.New("ENGINE_BINARY is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	return nil
}

// EngineArgv is the argument list passed to the engine binary.
func (c *ServerConfig) EngineArgv() []string {
	args := make([]string, 0, len(c.EngineArgs)+1)
	if c.EngineAPIFlag != "" {
		args = append(args, c.EngineAPIFlag)
	}
	return append(args, c.EngineArgs...)
}

func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		BridgeURL:       getenvDefault("BRIDGE_URL", "ws://localhost:3001/ws"),
		EngineDepth:     DefaultEngineDepth,
		ReconnectDelay:  DefaultReconnectDelay,
		OpeningDebounce: DefaultOpeningDebounce,
		PlayerColor:     strings.ToLower(getenvDefault("PLAYER_COLOR", "w")),
		GameMode:        strings.ToLower(getenvDefault("GAME_MODE", "engine")),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONNECT_DELAY_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReconnectDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENING_DEBOUNCE_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.OpeningDebounce = time.Duration(n) * time.Millisecond
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.BridgeURL == "" {
		return errors.New("BRIDGE_URL is required")
	}
	if c.PlayerColor != "w" && c.PlayerColor != "b" {
		return errors.New("PLAYER_COLOR must be w or b")
	}
	if c.GameMode != "engine" && c.GameMode != "pvp" {
		return errors.New("GAME_MODE must be engine or pvp")
	}
	if c.EngineDepth <= 0 {
		return errors.New("ENGINE_DEPTH must be positive")
	}
	return nil
}

func LoadUCI() (*UCIConfig, error) {
	cfg := &UCIConfig{
		EnginePath:  getenvDefault("UCI_ENGINE_PATH", "stockfish"),
		Threads:     1,
		HashMB:      64,
		MultiPV:     3,
		MoveTimeout: 30 * time.Second,
	}
	if v := strings.TrimSpace(os.Getenv("UCI_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("UCI_HASH_MB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HashMB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("UCI_MULTIPV")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MultiPV = n
		}
	}
	if d, ok := getenvDuration("UCI_MOVE_TIMEOUT"); ok {
		cfg.MoveTimeout = d
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// getenvDuration accepts "90s"-style durations or bare seconds.
func getenvDuration(k string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	return 0, false
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
