package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Heartbeat HeartbeatConfig
	Rooms     RoomsConfig
	Calls     CallsConfig
	Recovery  RecoveryConfig
	Limits    LimitsConfig
	App       AppConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	TLSDomain       string // empty disables autocert HTTPS
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
	AllowedOrigins  []string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	PresenceTTL  time.Duration
}

type AWSConfig struct {
	Region       string
	CallLogTable string
	RoomTable    string
}

type HeartbeatConfig struct {
	Interval time.Duration
}

type RoomsConfig struct {
	MaxRoomsPerUser int
	SweepInterval   time.Duration
}

type CallsConfig struct {
	AnswerTimeout time.Duration
	InitiatedTTL  time.Duration
	AcceptedTTL   time.Duration
	SweepInterval time.Duration
}

type RecoveryConfig struct {
	Window        time.Duration
	MaxAttempts   int
	MinDelay      time.Duration
	MaxDelay      time.Duration
	GrowthFactor  float64
	SweepInterval time.Duration
}

type LimitsConfig struct {
	OnlineUsersCap      int
	ConnectionHealthCap int
	RoomMembershipCap   int
	ActiveCallsCap      int
	RecoverySessionsCap int
}

type AppConfig struct {
	Environment string
	LogLevel    string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			TLSDomain:       getEnv("TLS_DOMAIN", ""),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxConnections:  getIntEnv("MAX_CONNECTIONS", 100000),
			AllowedOrigins:  getListEnv("ALLOWED_ORIGINS"),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 100),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 10),
			PresenceTTL:  getDurationEnv("PRESENCE_TTL", 24*time.Hour),
		},
		AWS: AWSConfig{
			Region:       getEnv("AWS_REGION", "us-east-1"),
			CallLogTable: getEnv("DYNAMODB_CALL_LOG_TABLE", "rt-call-logs"),
			RoomTable:    getEnv("DYNAMODB_ROOM_TABLE", "rt-rooms"),
		},
		Heartbeat: HeartbeatConfig{
			Interval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Rooms: RoomsConfig{
			MaxRoomsPerUser: getIntEnv("MAX_ROOMS_PER_USER", 50),
			SweepInterval:   getDurationEnv("ROOM_SWEEP_INTERVAL", time.Minute),
		},
		Calls: CallsConfig{
			AnswerTimeout: getDurationEnv("CALL_ANSWER_TIMEOUT", 30*time.Second),
			InitiatedTTL:  getDurationEnv("CALL_INITIATED_TTL", 15*time.Second),
			AcceptedTTL:   getDurationEnv("CALL_ACCEPTED_TTL", 60*time.Second),
			SweepInterval: getDurationEnv("CALL_SWEEP_INTERVAL", 5*time.Second),
		},
		Recovery: RecoveryConfig{
			Window:        getDurationEnv("RECOVERY_WINDOW", 5*time.Minute),
			MaxAttempts:   getIntEnv("MAX_RECONNECT_ATTEMPTS", 10),
			MinDelay:      getDurationEnv("RECONNECT_MIN_DELAY", time.Second),
			MaxDelay:      getDurationEnv("RECONNECT_MAX_DELAY", 30*time.Second),
			GrowthFactor:  getFloatEnv("RECONNECT_GROWTH", 2.0),
			SweepInterval: getDurationEnv("RECOVERY_SWEEP_INTERVAL", time.Minute),
		},
		Limits: LimitsConfig{
			OnlineUsersCap:      getIntEnv("ONLINE_USERS_CAP", 100000),
			ConnectionHealthCap: getIntEnv("CONNECTION_HEALTH_CAP", 100000),
			RoomMembershipCap:   getIntEnv("ROOM_MEMBERSHIP_CAP", 100000),
			ActiveCallsCap:      getIntEnv("ACTIVE_CALLS_CAP", 10000),
			RecoverySessionsCap: getIntEnv("RECOVERY_SESSIONS_CAP", 50000),
		},
		App: AppConfig{
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
