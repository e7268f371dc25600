package util

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MainConf holds all runtime settings
type MainConf struct {
	Host               string `yaml:"host"`
	HttpPort           int    `yaml:"httpPort"`
	SslDomain          string `yaml:"sslDomain"`
	HomeURL            string `yaml:"homeUrl"` // operator contact, advertised in the User-Agent
	DbPath             string `yaml:"dbPath"`
	WithAp             bool   `yaml:"withAp"`
	WithJournald       bool   `yaml:"withJournald"`
	WithPprof          bool   `yaml:"withPprof"`
	FollowerErrorLimit int    `yaml:"followerErrorLimit"` // consecutive failures before a follower is dropped
	RefreshBatchSize   int    `yaml:"refreshBatchSize"`   // outdated followers refreshed per hourly run
	CleanupBatchSize   int    `yaml:"cleanupBatchSize"`   // faulty followers swept per daily run
	DeliveryWorkers    int    `yaml:"deliveryWorkers"`    // concurrent outbound deliveries per dispatch
}

type AppConfig struct {
	Conf MainConf `yaml:"conf"`
}

const defaultConfFile = "config.yml"

const defaultConf = `conf:
  host: 127.0.0.1
  httpPort: 8080
  # public domain this instance is reachable under (no scheme)
  sslDomain: example.com
  homeUrl: https://example.com
  dbPath: fedipress.db
  withAp: true
  withJournald: false
  withPprof: false
  followerErrorLimit: 5
  refreshBatchSize: 5
  cleanupBatchSize: 50
  deliveryWorkers: 10
`

// ReadConf loads the configuration from config.yml in the working
// directory, writing a commented default file on first run.
func ReadConf() (*AppConfig, error) {
	return ReadConfFile(defaultConfFile)
}

// ReadConfFile loads the configuration from the given path.
func ReadConfFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConf), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		data = []byte(defaultConf)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var conf AppConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&conf.Conf)

	if conf.Conf.SslDomain == "" {
		return nil, fmt.Errorf("config: sslDomain must be set")
	}

	return &conf, nil
}

func applyDefaults(c *MainConf) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.HttpPort == 0 {
		c.HttpPort = 8080
	}
	if c.DbPath == "" {
		c.DbPath = "fedipress.db"
	}
	if c.HomeURL == "" && c.SslDomain != "" {
		c.HomeURL = "https://" + c.SslDomain
	}
	if c.FollowerErrorLimit == 0 {
		c.FollowerErrorLimit = 5
	}
	if c.RefreshBatchSize == 0 {
		c.RefreshBatchSize = 5
	}
	if c.CleanupBatchSize == 0 {
		c.CleanupBatchSize = 50
	}
	if c.DeliveryWorkers == 0 {
		c.DeliveryWorkers = 10
	}
}
