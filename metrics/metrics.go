package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SeckillRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seckill_requests_total",
		Help: "Total number of seckill purchase requests",
	})

	SeckillAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seckill_admitted_total",
		Help: "Total number of admitted seckill requests",
	})

	SeckillRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_rejected_total",
		Help: "Total number of rejected seckill requests by reason",
	}, []string{"reason"})

	OrdersPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_persisted_total",
		Help: "The total number of orders written to MySQL",
	})

	VoucherStockLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voucher_stock_level",
		Help: "Current cached voucher stock level in Redis",
	}, []string{"voucher_id"})
)
