package config

import "time"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Transport TransportConfig
	Store     StoreConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" is the only supported mode
}

type AuthConfig struct {
	Secret           string        `mapstructure:"secret"`
	TokenTTL         time.Duration `mapstructure:"tokenTTL"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
