package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Collab    CollabConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Redis     RedisConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig holds websocket transport settings.
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

// CollabConfig tunes the realtime collaboration subsystem. The heartbeat
// timeout should be 2-3x the client heartbeat interval so a single dropped
// heartbeat never evicts a live participant.
type CollabConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration
	ReplayLimit       int
	CursorBufferSize  int
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
}

// RedisConfig holds the presence mirror settings. Enabled is false when no
// address is configured; the tracker then runs without a mirror.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from the environment, with a .env file as an
// optional source.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Println("JWT_SECRET not set; all websocket clients will join as guests")
	}

	redisAddr := getEnv("REDIS_ADDR", "")

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		},
		Collab: CollabConfig{
			HeartbeatInterval: getDuration("COLLAB_HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  getDuration("COLLAB_HEARTBEAT_TIMEOUT", 45*time.Second),
			SweepInterval:     getDuration("COLLAB_SWEEP_INTERVAL", 15*time.Second),
			ReplayLimit:       getInt("COLLAB_REPLAY_LIMIT", 5000),
			CursorBufferSize:  getInt("COLLAB_CURSOR_BUFFER_SIZE", 256),
		},
		CORS: CORSConfig{
			// A wildcard origin cannot be combined with credentials, so the
			// default names the local frontend explicitly.
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenExpiry: getDuration("ACCESS_TOKEN_EXPIRY", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  redisAddr != "",
			Addr:     redisAddr,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Bare numbers are treated as seconds.
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
