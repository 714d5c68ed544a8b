package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Signaling   SignalingConfig   `yaml:"signaling"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRooms        int           `yaml:"max_rooms"`
	MaxPeersPerRoom int           `yaml:"max_peers_per_room"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SignalingConfig bounds the websocket relay.
type SignalingConfig struct {
	WSReadLimit       int64         `yaml:"ws_read_limit"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout     time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval    time.Duration `yaml:"ws_ping_interval"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	RateLimitPerSec   float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	MaxRoomNameLength int           `yaml:"max_room_name_length"`
	MaxNameLength     int           `yaml:"max_name_length"`
	MaxChatBytes      int           `yaml:"max_chat_bytes"`
}

// NegotiationConfig holds the client side peer link timings.
type NegotiationConfig struct {
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	RestartWindow      time.Duration `yaml:"restart_window"`
	DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
	MediaUpdateTimeout time.Duration `yaml:"media_update_timeout"`
}

type WebRTCConfig struct {
	ICEServers   []ICEServer `yaml:"ice_servers"`
	UDPPortRange PortRange   `yaml:"udp_port_range"`
	PublicIP     string      `yaml:"public_ip"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// InstanceID tags mirrored records so a restarted server can purge the
	// ones it left behind.
	InstanceID string `yaml:"instance_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

func LoadConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("PEERMEET_HOST", "0.0.0.0"),
			Port:            getEnvInt("PEERMEET_PORT", 5555),
			ReadTimeout:     time.Duration(getEnvInt("PEERMEET_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("PEERMEET_WRITE_TIMEOUT", 30)) * time.Second,
			MaxRooms:        getEnvInt("PEERMEET_MAX_ROOMS", 1000),
			MaxPeersPerRoom: getEnvInt("PEERMEET_MAX_PEERS_PER_ROOM", 16),
			AllowedOrigins:  getEnvList("PEERMEET_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("PEERMEET_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		Signaling: SignalingConfig{
			WSReadLimit:       int64(getEnvInt("PEERMEET_WS_READ_LIMIT", 524288)),
			WSWriteTimeout:    time.Duration(getEnvInt("PEERMEET_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:     time.Duration(getEnvInt("PEERMEET_WS_PONG_TIMEOUT", 120)) * time.Second,
			WSPingInterval:    time.Duration(getEnvInt("PEERMEET_WS_PING_INTERVAL", 30)) * time.Second,
			SendQueueSize:     getEnvInt("PEERMEET_SEND_QUEUE_SIZE", 256),
			RateLimitPerSec:   float64(getEnvInt("PEERMEET_RATE_LIMIT_PER_SEC", 50)),
			RateLimitBurst:    getEnvInt("PEERMEET_RATE_LIMIT_BURST", 100),
			MaxRoomNameLength: getEnvInt("PEERMEET_MAX_ROOM_NAME_LENGTH", 128),
			MaxNameLength:     getEnvInt("PEERMEET_MAX_NAME_LENGTH", 64),
			MaxChatBytes:      getEnvInt("PEERMEET_MAX_CHAT_BYTES", 65536),
		},
		Negotiation: NegotiationConfig{
			NegotiationTimeout: time.Duration(getEnvInt("PEERMEET_NEGOTIATION_TIMEOUT_MS", 10000)) * time.Millisecond,
			RestartWindow:      time.Duration(getEnvInt("PEERMEET_RESTART_WINDOW_MS", 30000)) * time.Millisecond,
			DisconnectGrace:    time.Duration(getEnvInt("PEERMEET_DISCONNECT_GRACE_MS", 7000)) * time.Millisecond,
			MediaUpdateTimeout: time.Duration(getEnvInt("PEERMEET_MEDIA_UPDATE_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{URLs: getEnvList("PEERMEET_STUN_URLS", defaultSTUNServers)},
			},
			UDPPortRange: PortRange{
				Min: uint16(getEnvInt("PEERMEET_UDP_PORT_MIN", 0)),
				Max: uint16(getEnvInt("PEERMEET_UDP_PORT_MAX", 0)),
			},
			PublicIP: getEnv("PEERMEET_PUBLIC_IP", ""),
		},
		Redis: RedisConfig{
			Enabled:    getEnvBool("REDIS_ENABLED", true),
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			InstanceID: getEnv("INSTANCE_ID", hostname()),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if turn := getEnv("PEERMEET_TURN_URL", ""); turn != "" {
		cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, ICEServer{
			URLs:       []string{turn},
			Username:   getEnv("PEERMEET_TURN_USERNAME", ""),
			Credential: getEnv("PEERMEET_TURN_CREDENTIAL", ""),
		})
	}

	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "peermeet"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
