// Copyright 2022 The hookwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Hook Server Related Config

// EndpointConfig defines the hook server end-point paths
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for all routes
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// CapturePrefix is the path prefix of the capture end-point. The remainder of the
	// request path after this prefix is the identifier.
	CapturePrefix string `mapstructure:"capture_prefix" json:"capture_prefix" validate:"required,startswith=/"`
	// ConsolePrefix is the path prefix of the viewer page
	ConsolePrefix string `mapstructure:"console_prefix" json:"console_prefix" validate:"required,startswith=/"`
	// WebsocketPath is the path viewer pages open their websocket on
	WebsocketPath string `mapstructure:"websocket_path" json:"websocket_path" validate:"required,startswith=/"`
	// MaxBodyBytes is the largest capture request body accepted
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"max_body_bytes" validate:"gte=1"`
}

// SessionConfig defines viewer session parameters
type SessionConfig struct {
	// SendBufferSize is the number of events queued for one viewer before it is
	// considered unresponsive and disconnected
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame to a viewer in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongTimeout is the max duration between pongs from a viewer in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gte=2"`
	// MaxMessageBytes is the largest message accepted from a viewer
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
}

// HookServerConfig defines configuration for the hook server
type HookServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the end-point config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the viewer session parameters
	Session SessionConfig `mapstructure:"session_config" json:"session_config" validate:"required,dive"`
	// StatusReportInterval is the interval between registry status reports in seconds.
	// Zero disables the report.
	StatusReportInterval int `mapstructure:"status_report_interval_sec" json:"status_report_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// Relay Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Subject is the subject events are relayed on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// RedisConfig defines parameters for connecting to Redis
type RedisConfig struct {
	// ServerAddr is the Redis server host:port
	ServerAddr string `mapstructure:"server_addr" json:"server_addr" validate:"required,hostname_port"`
	// Password is the optional Redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// Channel is the pub/sub channel events are relayed on
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
}

// Relay modes
const (
	RelayModeLocal = "local"
	RelayModeNATS  = "nats"
	RelayModeRedis = "redis"
)

// RelayConfig defines how captured events reach the subscription registry
type RelayConfig struct {
	// Mode is the relay backend: local, nats, or redis
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local nats redis"`
	// NATS are the NATS relay parameters
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"required_if=Mode nats,omitempty,dive"`
	// Redis are the Redis relay parameters
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Mode redis,omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Server are the hook server configs
	Server HookServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
	// Relay are the event relay configs
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default hook server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.endpoint_config.capture_prefix", "/api")
	viper.SetDefault("server.endpoint_config.console_prefix", "/console")
	viper.SetDefault("server.endpoint_config.websocket_path", "/ws")
	viper.SetDefault("server.endpoint_config.max_body_bytes", 1<<20)
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 5000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Hookwatch-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("server.session_config.send_buffer_size", 256)
	viper.SetDefault("server.session_config.write_timeout_sec", 10)
	viper.SetDefault("server.session_config.pong_timeout_sec", 60)
	viper.SetDefault("server.session_config.max_message_bytes", 4096)
	viper.SetDefault("server.status_report_interval_sec", 300)

	// Default relay settings
	viper.SetDefault("relay.mode", RelayModeLocal)
}

// InstallNATSRelayDefaults installs default NATS relay parameters in viper
func InstallNATSRelayDefaults() {
	viper.SetDefault("relay.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.nats.connect_timeout_sec", 30)
	viper.SetDefault("relay.nats.reconnect.max_attempts", -1)
	viper.SetDefault("relay.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("relay.nats.subject", "hookwatch.events")
}

// InstallRedisRelayDefaults installs default Redis relay parameters in viper
func InstallRedisRelayDefaults() {
	viper.SetDefault("relay.redis.server_addr", "127.0.0.1:6379")
	viper.SetDefault("relay.redis.db", 0)
	viper.SetDefault("relay.redis.channel", "hookwatch.events")
}
