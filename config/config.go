package config

import (
	"github.com/caarlos0/env/v11"
)

// Config holds every process-level setting, loaded from the environment.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8081"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	MySQLDSN  string `env:"MYSQL_DSN" envDefault:"root:password123@tcp(127.0.0.1:3306)/voucher_db?charset=utf8mb4&parseTime=True&loc=Local"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	OrderTopic   string   `env:"ORDER_TOPIC" envDefault:"voucher-orders"`
	DLQTopic     string   `env:"DLQ_TOPIC" envDefault:"voucher-orders-dlq"`

	OrderStream   string `env:"ORDER_STREAM" envDefault:"stream.orders"`
	OrderGroup    string `env:"ORDER_GROUP" envDefault:"g1"`
	OrderConsumer string `env:"ORDER_CONSUMER" envDefault:"c1"`

	// MaxActiveUsers caps how many users may hit the seckill path at once;
	// everyone else waits in the virtual queue.
	MaxActiveUsers int `env:"MAX_ACTIVE_USERS" envDefault:"1000"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
