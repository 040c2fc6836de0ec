package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"voucher-system/cache"
	"voucher-system/config"
	"voucher-system/handler"
	"voucher-system/idgen"
	"voucher-system/repository"
	"voucher-system/service"
	"voucher-system/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping: ", err)
	}

	// 2. MySQL
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatal("open mysql: ", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("mysql connection pool: ", err)
	}
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetMaxIdleConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 3. Repositories
	redisRepo := repository.NewRedisRepository(rdb, cfg.OrderStream, cfg.OrderGroup, cfg.OrderConsumer)
	orderRepo := repository.NewMySQLRepository(db)
	kafkaRepo := repository.NewKafkaRepository(cfg.KafkaBrokers, cfg.OrderTopic, cfg.DLQTopic)
	defer kafkaRepo.Close()

	// 4. Services
	cacheClient := cache.New(rdb)
	defer cacheClient.Close()

	seckillSvc := service.NewSeckillService(redisRepo, orderRepo, idgen.New(rdb))
	voucherSvc := service.NewVoucherService(cacheClient, orderRepo)
	signInSvc := service.NewSignInService(rdb)

	// 5. Background workers, started explicitly and stopped via ctx
	orderWorker := worker.NewOrderWorker(rdb, redisRepo, seckillSvc, kafkaRepo)
	go orderWorker.Run(ctx)
	go service.StartPromoter(ctx, redisRepo, cfg.MaxActiveUsers)

	go func() {
		log.Printf("metrics server started on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, promhttp.Handler()); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	// 6. HTTP surface
	mux := http.NewServeMux()
	mux.Handle("/seckill", handler.NewSeckillHandler(seckillSvc, redisRepo, cfg.MaxActiveUsers))
	mux.Handle("/voucher", handler.NewVoucherHandler(voucherSvc))
	mux.Handle("/sign", handler.NewSignInHandler(signInSvc))

	mux.HandleFunc("/admin/prime", func(w http.ResponseWriter, r *http.Request) {
		voucherID, err := strconv.ParseInt(r.URL.Query().Get("voucher_id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "voucher_id is required"}`)
			return
		}
		if err := seckillSvc.PrepareVoucher(r.Context(), voucherID); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"error": %q}`, err.Error())
			return
		}
		fmt.Fprint(w, `{"message": "voucher primed"}`)
	})

	mux.HandleFunc("/admin/warmup", func(w http.ResponseWriter, r *http.Request) {
		voucherID, err := strconv.ParseInt(r.URL.Query().Get("voucher_id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "voucher_id is required"}`)
			return
		}
		if err := voucherSvc.WarmUpVoucher(r.Context(), voucherID, 10*time.Minute); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"error": %q}`, err.Error())
			return
		}
		fmt.Fprint(w, `{"message": "voucher cache warmed"}`)
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("voucher system server started (%s)", cfg.ListenAddr)
	log.Println("- seckill: /seckill")
	log.Println("- voucher: /voucher")
	log.Println("- sign-in: /sign")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server: ", err)
	}
}
