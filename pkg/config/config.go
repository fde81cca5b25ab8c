package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Cluster ClusterConfig `yaml:"cluster" validate:"required"`
	DB      `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	// максимум одновременно обрабатываемых запросов, остальные получают 503
	Workers   int `yaml:"workers" validate:"required,min=1"`
	QueueSize int `yaml:"queue_size" validate:"min=0"`
}

type ClusterConfig struct {
	// собственный адрес узла, например http://localhost:8080
	Self         string          `yaml:"self" validate:"required,url"`
	Nodes        []string        `yaml:"nodes" validate:"dive,url"`
	VirtualNodes int             `yaml:"virtual_nodes" validate:"required,min=1"`
	ProxyTimeout time.Duration   `yaml:"proxy_timeout" validate:"required"`
	ZooKeeper    ZooKeeperConfig `yaml:"zookeeper"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root" validate:"required_with=Servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Enabled reports whether membership comes from ZooKeeper instead of a static list.
func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable" validate:"required"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold" validate:"required,min=1"`
	FlushWorkers        int   `yaml:"flush_workers" validate:"required,min=1"`
	// сколько memtable может ждать сброса на диск, дальше запись отклоняется
	MaxPendingFlushes int `yaml:"max_pending_flushes" validate:"required,min=1"`
}

type PersistenceConfig struct {
	RootPath string `yaml:"path" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			Workers:           64,
			QueueSize:         0,
		},
		Cluster: ClusterConfig{
			Self:         "http://localhost:8080",
			VirtualNodes: 10,
			ProxyTimeout: 500 * time.Millisecond,
			ZooKeeper: ZooKeeperConfig{
				Root:           "/ringdb",
				SessionTimeout: 5 * time.Second,
			},
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				FlushWorkers:        1,
				MaxPendingFlushes:   4,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
			},
		},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// Members is the static node list, always including Self.
func (c ClusterConfig) Members() []string {
	for _, n := range c.Nodes {
		if n == c.Self {
			return c.Nodes
		}
	}
	return append(append([]string(nil), c.Nodes...), c.Self)
}
