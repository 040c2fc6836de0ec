package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"voucher-system/config"
	"voucher-system/idgen"
	"voucher-system/repository"
	"voucher-system/service"
	"voucher-system/worker"
)

// Standalone order worker: consumes the admitted-order stream and persists
// orders to MySQL, independent of the API process.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("open mysql: %v", err)
	}

	redisRepo := repository.NewRedisRepository(rdb, cfg.OrderStream, cfg.OrderGroup, cfg.OrderConsumer)
	orderRepo := repository.NewMySQLRepository(db)
	kafkaRepo := repository.NewKafkaRepository(cfg.KafkaBrokers, cfg.OrderTopic, cfg.DLQTopic)
	defer kafkaRepo.Close()

	seckillSvc := service.NewSeckillService(redisRepo, orderRepo, idgen.New(rdb))

	go func() {
		log.Printf("metrics server started on %s", cfg.MetricsAddr)
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	w := worker.NewOrderWorker(rdb, redisRepo, seckillSvc, kafkaRepo)
	w.Run(ctx)
}
