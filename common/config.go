package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

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
}

// ===============================================================================
// Device Relay Related Config

// RelayConfig defines parameters for authorizing device upload connections
type RelayConfig struct {
	// AdvertisedAddress is the address devices are told to connect to. The value is
	// sent verbatim inside the out-of-band connect message. If empty, announcements
	// are dropped until an address is configured.
	AdvertisedAddress string `mapstructure:"advertised_address" json:"advertised_address" validate:"omitempty,ip|hostname"`
	// AdvertisedPort is the port devices are told to connect to
	AdvertisedPort uint16 `mapstructure:"advertised_port" json:"advertised_port" validate:"required,gt=0"`
	// AnnounceSubjectPrefix is the NATS subject prefix carrying device announcements
	AnnounceSubjectPrefix string `mapstructure:"announce_subject_prefix" json:"announce_subject_prefix" validate:"required"`
	// CallTimeout is the max duration of the out-of-band remote function call in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
	// AllowAnyDevice when true skips the configured-device allow-list check
	AllowAnyDevice bool `mapstructure:"allow_any_device" json:"allow_any_device"`
	// DeviceDB is the path of the configured-device database. Only used when
	// AllowAnyDevice is false or when operating the device management CLI.
	DeviceDB string `mapstructure:"device_db" json:"device_db" validate:"required"`
	// AuthTTL is the validity window of an issued authorization in seconds
	AuthTTL int `mapstructure:"auth_ttl_sec" json:"auth_ttl_sec" validate:"gte=1"`
	// SweepInterval is the duration between expired-authorization sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Broadcast Feed Related Config

// FeedConfig defines parameters of the outbound broadcast feed
type FeedConfig struct {
	// ChannelName is the name of the broadcast channel served on the feed endpoint
	ChannelName string `mapstructure:"channel_name" json:"channel_name" validate:"required,alphanum"`
	// MaxHistory is the number of messages replayed to a new subscriber. Zero
	// disables history replay.
	MaxHistory int `mapstructure:"max_history" json:"max_history" validate:"gte=0"`
	// KeepaliveInterval is the duration between keepalive comments in seconds
	KeepaliveInterval int `mapstructure:"keepalive_interval_sec" json:"keepalive_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
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

// HTTPEndpointConfig defines API endpoint config
type HTTPEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints HTTPEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Relay are the device authorization and ingest config parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Feed are the broadcast feed config parameters
	Feed FeedConfig `mapstructure:"feed" json:"feed" validate:"required,dive"`
	// HTTP are the API server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default relay settings
	viper.SetDefault("relay.advertised_port", 8070)
	viper.SetDefault("relay.announce_subject_prefix", "devices")
	viper.SetDefault("relay.call_timeout_sec", 15)
	viper.SetDefault("relay.allow_any_device", true)
	viper.SetDefault("relay.device_db", "livefeed-devices.db")
	viper.SetDefault("relay.auth_ttl_sec", 300)
	viper.SetDefault("relay.sweep_interval_sec", 60)

	// Default feed settings
	viper.SetDefault("feed.channel_name", "data")
	viper.SetDefault("feed.max_history", 0)
	viper.SetDefault("feed.keepalive_interval_sec", 60)

	// Default HTTP server settings
	viper.SetDefault("http.endpoint_config.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 8070)
	viper.SetDefault("http.server_config.read_timeout_sec", 0)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Livefeed-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
