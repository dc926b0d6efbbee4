// Package config loads the binaries' settings from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"fleet-realtime/internal/auth"
	"fleet-realtime/internal/batching"
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/dispatcher"
	"fleet-realtime/internal/geo"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/mqtt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	TransportWebsocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Client configures the tracker and dispatcher binaries.
type Client struct {
	ServerURL       string `validate:"omitempty,url"`
	Transport       string `validate:"oneof=websocket mqtt"`
	MQTTBroker      string `validate:"required_if=Transport mqtt"`
	MQTTTopicPrefix string
	AuthToken       string
	DebugAddr       string

	// TrackDrivers lists the drivers a dispatcher follows. Empty follows the whole company.
	TrackDrivers []string

	Credentials models.Credentials

	AutoReconnect        bool
	MaxReconnectAttempts int           `validate:"gte=0"`
	ReconnectInterval    time.Duration `validate:"gt=0"`
	HeartbeatInterval    time.Duration `validate:"gt=0"`

	MaxBatchSize              int           `validate:"gte=1"`
	BatchTimeout              time.Duration `validate:"gt=0"`
	MaxOfflineUpdates         int           `validate:"gte=1"`
	EnableOfflineQueue        bool
	EnableBatteryOptimization bool
	LowBatteryThreshold       int           `validate:"gte=0,lte=100"`
	MovementThreshold         float64       `validate:"gt=0"`
	StaticUpdateInterval      time.Duration `validate:"gt=0"`
	QueryTimeout              time.Duration `validate:"gt=0"`

	Log Log
}

// Relay configures cmd/relay.
type Relay struct {
	Port        string `validate:"required,numeric"`
	JWTSecret   string
	DatabaseURL string
	Log         Log
}

type Log struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Pretty bool
}

// Setup applies the level and output format to the global logger.
func (l Log) Setup() {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if l.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Load reads files (".env" when none are given) into the environment, ignoring missing
// files, and returns a viper instance bound to it.
func Load(files ...string) (*viper.Viper, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return v, nil
}

func setDefaults(v *viper.Viper) {
	conn := connection.DefaultConfig()
	batch := batching.DefaultConfig()

	v.SetDefault("SERVER_URL", "ws://localhost:8080/ws")
	v.SetDefault("TRANSPORT", TransportWebsocket)
	v.SetDefault("MQTT_BROKER", "")
	v.SetDefault("MQTT_TOPIC_PREFIX", mqtt.DefaultTopicPrefix)
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("COMPANY_ID", "")
	v.SetDefault("USER_ID", "")
	v.SetDefault("DRIVER_ID", "")
	v.SetDefault("USER_TYPE", "driver")
	v.SetDefault("AUTO_RECONNECT", conn.AutoReconnect)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", conn.MaxReconnectAttempts)
	v.SetDefault("RECONNECT_INTERVAL", conn.ReconnectInterval)
	v.SetDefault("HEARTBEAT_INTERVAL", conn.HeartbeatInterval)
	v.SetDefault("MAX_BATCH_SIZE", batch.MaxBatchSize)
	v.SetDefault("BATCH_TIMEOUT", batch.BatchTimeout)
	v.SetDefault("MAX_OFFLINE_UPDATES", batch.MaxOfflineUpdates)
	v.SetDefault("ENABLE_OFFLINE_QUEUE", batch.EnableOfflineQueue)
	v.SetDefault("ENABLE_BATTERY_OPTIMIZATION", batch.EnableBatteryOptimization)
	v.SetDefault("LOW_BATTERY_THRESHOLD", batch.LowBatteryThreshold)
	v.SetDefault("MOVEMENT_THRESHOLD", geo.DefaultMovementThreshold)
	v.SetDefault("STATIC_UPDATE_INTERVAL", batch.StaticUpdateInterval)
	v.SetDefault("QUERY_TIMEOUT", dispatcher.DefaultQueryTimeout)
	v.SetDefault("DEBUG_ADDR", "")
	v.SetDefault("TRACK_DRIVERS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_JWT_SECRET", "")
	v.SetDefault("DATABASE_URL", "")
}

var validate = validator.New()

// ClientFrom reads and validates the client settings.
func ClientFrom(v *viper.Viper) (Client, error) {
	c := Client{
		ServerURL:       v.GetString("SERVER_URL"),
		Transport:       strings.ToLower(v.GetString("TRANSPORT")),
		MQTTBroker:      v.GetString("MQTT_BROKER"),
		MQTTTopicPrefix: v.GetString("MQTT_TOPIC_PREFIX"),
		AuthToken:       v.GetString("AUTH_TOKEN"),
		DebugAddr:       v.GetString("DEBUG_ADDR"),
		TrackDrivers:    splitList(v.GetString("TRACK_DRIVERS")),
		Credentials: models.Credentials{
			Token:     v.GetString("AUTH_TOKEN"),
			CompanyID: v.GetString("COMPANY_ID"),
			UserType:  v.GetString("USER_TYPE"),
			DriverID:  v.GetString("DRIVER_ID"),
			UserID:    v.GetString("USER_ID"),
		},

		AutoReconnect:        v.GetBool("AUTO_RECONNECT"),
		MaxReconnectAttempts: v.GetInt("MAX_RECONNECT_ATTEMPTS"),
		ReconnectInterval:    v.GetDuration("RECONNECT_INTERVAL"),
		HeartbeatInterval:    v.GetDuration("HEARTBEAT_INTERVAL"),

		MaxBatchSize:              v.GetInt("MAX_BATCH_SIZE"),
		BatchTimeout:              v.GetDuration("BATCH_TIMEOUT"),
		MaxOfflineUpdates:         v.GetInt("MAX_OFFLINE_UPDATES"),
		EnableOfflineQueue:        v.GetBool("ENABLE_OFFLINE_QUEUE"),
		EnableBatteryOptimization: v.GetBool("ENABLE_BATTERY_OPTIMIZATION"),
		LowBatteryThreshold:       v.GetInt("LOW_BATTERY_THRESHOLD"),
		MovementThreshold:         v.GetFloat64("MOVEMENT_THRESHOLD"),
		StaticUpdateInterval:      v.GetDuration("STATIC_UPDATE_INTERVAL"),
		QueryTimeout:              v.GetDuration("QUERY_TIMEOUT"),

		Log: logFrom(v),
	}
	if c.AuthToken != "" {
		fillFromToken(&c.Credentials, c.AuthToken)
	}
	if err := validate.Struct(c); err != nil {
		return Client{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// fillFromToken copies identity fields the environment left empty from the token's claims.
// An undecodable token is left for the server to reject.
func fillFromToken(creds *models.Credentials, token string) {
	claims, err := auth.Peek(token)
	if err != nil {
		return
	}
	if creds.UserID == "" {
		creds.UserID = claims.UserID
	}
	if creds.CompanyID == "" {
		creds.CompanyID = claims.CompanyID
	}
	if creds.DriverID == "" {
		creds.DriverID = claims.DriverID
	}
	if claims.Role == "driver" || claims.Role == "dispatcher" {
		creds.UserType = claims.Role
	}
}

// RelayFrom reads and validates the relay settings.
func RelayFrom(v *viper.Viper) (Relay, error) {
	r := Relay{
		Port:        v.GetString("PORT"),
		JWTSecret:   v.GetString("APP_JWT_SECRET"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		Log:         logFrom(v),
	}
	if err := validate.Struct(r); err != nil {
		return Relay{}, fmt.Errorf("invalid config: %w", err)
	}
	return r, nil
}

func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func logFrom(v *viper.Viper) Log {
	return Log{Level: strings.ToLower(v.GetString("LOG_LEVEL")), Pretty: v.GetBool("LOG_PRETTY")}
}

// Connection maps the settings onto the Connection Manager config.
func (c Client) Connection() connection.Config {
	return connection.Config{
		AutoReconnect:        c.AutoReconnect,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectInterval:    c.ReconnectInterval,
		HeartbeatInterval:    c.HeartbeatInterval,
	}
}

// Batching maps the settings onto the batching engine config. The MAX_BATCH_SIZE setting is
// both the policy base and the per-message cap.
func (c Client) Batching() batching.Config {
	return batching.Config{
		MaxBatchSize:              c.MaxBatchSize,
		TargetBatchSize:           c.MaxBatchSize,
		BatchTimeout:              c.BatchTimeout,
		EnableOfflineQueue:        c.EnableOfflineQueue,
		MaxOfflineUpdates:         c.MaxOfflineUpdates,
		EnableBatteryOptimization: c.EnableBatteryOptimization,
		LowBatteryThreshold:       float64(c.LowBatteryThreshold),
		MovementThreshold:         c.MovementThreshold,
		StaticUpdateInterval:      c.StaticUpdateInterval,
	}
}

// MQTT maps the settings onto the MQTT transport config.
func (c Client) MQTT() mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = c.MQTTBroker
	cfg.TopicPrefix = c.MQTTTopicPrefix
	if c.Credentials.UserID != "" {
		cfg.Username = c.Credentials.UserID
		cfg.Password = c.AuthToken
	}
	return cfg
}
