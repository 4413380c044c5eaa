// Package config loads and validates the process environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the session server.
type Config struct {
	// Required
	Port string
	Host string

	// Transport
	TCPEnabled      bool
	TrustProxyHops  int
	AllowedOrigins  string
	LogLevel        string
	TokenLength     int

	// Upstream collaborators
	PhiraAPIURL string
	ServerName  string
	RoomSize    int

	// WebBridge
	WebPort          string
	EnableWebServer  bool
	DefaultAvatar    string
	SessionSecret    string

	// Admin / bans
	LoginBlacklistDuration time.Duration
	AdminName              string
	AdminPassword          string
	AdminSecret            string
	EnablePubWeb           bool
	PubPrefix              string
	EnablePriWeb           bool
	PriPrefix              string

	// Captcha
	CaptchaProvider string
	GeetestID       string
	GeetestKey      string

	// Federation
	FederationEnabled        bool
	FederationSeedNodes      []string
	FederationSecret         string
	FederationNodeURL        string
	FederationNodeID         string
	FederationHealthInterval time.Duration
	FederationSyncInterval   time.Duration

	// Ambient (not part of the enumerated domain keys, carried from the
	// ambient stack for optional Redis-backed rate limiting / ban cache)
	RedisAddr     string
	RedisEnabled  bool
	RedisPassword string
	GoEnv         string
	DevelopmentMode bool

	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "7777")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.TCPEnabled = getEnvOrDefault("TCP_ENABLED", "true") == "true"
	cfg.TrustProxyHops = parseIntOrDefault("TRUST_PROXY_HOPS", 0)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.TokenLength = parseIntOrDefault("TOKEN_LENGTH", 20)

	cfg.PhiraAPIURL = os.Getenv("PHIRA_API_URL")
	cfg.ServerName = getEnvOrDefault("SERVER_NAME", "rhythm-session")
	cfg.RoomSize = parseIntOrDefault("ROOM_SIZE", 8)

	cfg.WebPort = getEnvOrDefault("WEB_PORT", "8080")
	cfg.EnableWebServer = getEnvOrDefault("ENABLE_WEB_SERVER", "true") == "true"
	cfg.DefaultAvatar = getEnvOrDefault("DEFAULT_AVATAR", "default.png")

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.EnableWebServer && cfg.SessionSecret == "" {
		errs = append(errs, "SESSION_SECRET is required when ENABLE_WEB_SERVER=true")
	} else if cfg.SessionSecret != "" && len(cfg.SessionSecret) < 32 {
		errs = append(errs, fmt.Sprintf("SESSION_SECRET must be at least 32 characters (got %d)", len(cfg.SessionSecret)))
	}

	blacklistMinutes := parseIntOrDefault("LOGIN_BLACKLIST_DURATION", 60)
	cfg.LoginBlacklistDuration = time.Duration(blacklistMinutes) * time.Minute

	cfg.AdminName = os.Getenv("ADMIN_NAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	if cfg.EnableWebServer && (cfg.AdminName == "" || cfg.AdminPassword == "" || cfg.AdminSecret == "") {
		errs = append(errs, "ADMIN_NAME, ADMIN_PASSWORD and ADMIN_SECRET are required when ENABLE_WEB_SERVER=true")
	}

	cfg.EnablePubWeb = getEnvOrDefault("ENABLE_PUB_WEB", "true") == "true"
	cfg.PubPrefix = getEnvOrDefault("PUB_PREFIX", "/pub")
	cfg.EnablePriWeb = getEnvOrDefault("ENABLE_PRI_WEB", "true") == "true"
	cfg.PriPrefix = getEnvOrDefault("PRI_PREFIX", "/pri")

	cfg.CaptchaProvider = getEnvOrDefault("CAPTCHA_PROVIDER", "none")
	cfg.GeetestID = os.Getenv("GEETEST_ID")
	cfg.GeetestKey = os.Getenv("GEETEST_KEY")
	if cfg.CaptchaProvider == "geetest" && (cfg.GeetestID == "" || cfg.GeetestKey == "") {
		errs = append(errs, "GEETEST_ID and GEETEST_KEY are required when CAPTCHA_PROVIDER=geetest")
	}

	cfg.FederationEnabled = os.Getenv("FEDERATION_ENABLED") == "true"
	if cfg.FederationEnabled {
		seeds := os.Getenv("FEDERATION_SEED_NODES")
		if seeds != "" {
			cfg.FederationSeedNodes = strings.Split(seeds, ",")
		}
		cfg.FederationSecret = os.Getenv("FEDERATION_SECRET")
		cfg.FederationNodeURL = os.Getenv("FEDERATION_NODE_URL")
		cfg.FederationNodeID = os.Getenv("FEDERATION_NODE_ID")
		if cfg.FederationSecret == "" || cfg.FederationNodeURL == "" || cfg.FederationNodeID == "" {
			errs = append(errs, "FEDERATION_SECRET, FEDERATION_NODE_URL and FEDERATION_NODE_ID are required when FEDERATION_ENABLED=true")
		}
		cfg.FederationHealthInterval = time.Duration(parseIntOrDefault("FEDERATION_HEALTH_INTERVAL", 30)) * time.Second
		cfg.FederationSyncInterval = time.Duration(parseIntOrDefault("FEDERATION_SYNC_INTERVAL", 60)) * time.Second
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"host", cfg.Host,
		"tcp_enabled", cfg.TCPEnabled,
		"server_name", cfg.ServerName,
		"room_size", cfg.RoomSize,
		"enable_web_server", cfg.EnableWebServer,
		"federation_enabled", cfg.FederationEnabled,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"admin_secret", redactSecret(cfg.AdminSecret),
		"session_secret", redactSecret(cfg.SessionSecret),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
