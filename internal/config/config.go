// Package config loads settings for the broker and client binaries from
// defaults, an optional YAML file and SNAKEMQ_-prefixed environment
// variables, in increasing precedence.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node   NodeConfig   `mapstructure:"node"`
	Broker BrokerConfig `mapstructure:"broker"`
}

// NodeConfig describes this process's transport endpoint.
type NodeConfig struct {
	// ListenAddrs are multiaddrs to accept connections on.
	ListenAddrs []string `mapstructure:"listen_addrs"`
	// DialAddrs are full broker multiaddrs (with /p2p/ suffix) to keep
	// connections to. Client binaries usually set this from a flag.
	DialAddrs []string `mapstructure:"dial_addrs"`
	// IdentityKeyFile keeps the peer identity stable across restarts.
	IdentityKeyFile string `mapstructure:"identity_key_file"`
}

type BrokerConfig struct {
	// MessageTTLSeconds bounds fan-out delivery attempts.
	MessageTTLSeconds int `mapstructure:"message_ttl_seconds"`
	// AdminAddr is where the introspection HTTP API listens.
	AdminAddr string `mapstructure:"admin_addr"`
}

// Load reads configuration. An explicit path must exist; otherwise a
// config.yaml is picked up from the working directory or ./configs when
// present, and silently skipped when not.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.listen_addrs", []string{"/ip4/0.0.0.0/tcp/4000"})
	v.SetDefault("node.dial_addrs", []string{})
	v.SetDefault("node.identity_key_file", "")
	v.SetDefault("broker.message_ttl_seconds", 60)
	v.SetDefault("broker.admin_addr", ":8090")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix("SNAKEMQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
