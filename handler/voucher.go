package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"voucher-system/repository"
	"voucher-system/service"
)

/*
 * SeckillHandler: translates flash-sale outcomes into HTTP.
 * Requests first pass the virtual waiting queue; active users go through the
 * atomic admission and get their pre-allocated order id back immediately,
 * before the order is persisted.
 */
type SeckillHandler struct {
	Seckill *service.SeckillService
	Redis   repository.SeckillRepository

	// MaxActive caps concurrent active users in the waiting-room gate.
	MaxActive int
}

func NewSeckillHandler(s *service.SeckillService, redis repository.SeckillRepository, maxActive int) *SeckillHandler {
	return &SeckillHandler{Seckill: s, Redis: redis, MaxActive: maxActive}
}

func (h *SeckillHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	voucherID, err := strconv.ParseInt(r.URL.Query().Get("voucher_id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "voucher_id is required"})
		return
	}
	// authenticated identity arrives as an explicit parameter; auth itself is
	// an external collaborator
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "user_id is required"})
		return
	}
	user := strconv.FormatInt(userID, 10)

	status, rank, err := h.Redis.TryEnterOrEnqueue(r.Context(), user, h.MaxActive)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "system error"})
		return
	}
	if status == "WAITING" {
		// 202: in the queue, poll again later
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "WAITING",
			"rank":   rank,
		})
		return
	}

	orderID, err := h.Seckill.Seckill(r.Context(), voucherID, userID)
	switch {
	case err == nil:
		h.Redis.RemoveActiveUser(r.Context(), user)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"order_id": strconv.FormatInt(orderID, 10),
		})
	case errors.Is(err, service.ErrOutOfStock):
		h.Redis.RemoveActiveUser(r.Context(), user)
		// 410: the sale is over for good
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"error": "sold out"})
	case errors.Is(err, service.ErrAlreadyOrdered):
		h.Redis.RemoveActiveUser(r.Context(), user)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "limit one order per user"})
	default:
		h.Redis.RemoveActiveUser(r.Context(), user)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "system error"})
	}
}

// VoucherHandler serves cached voucher reads.
type VoucherHandler struct {
	Vouchers *service.VoucherService
}

func NewVoucherHandler(s *service.VoucherService) *VoucherHandler {
	return &VoucherHandler{Vouchers: s}
}

func (h *VoucherHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "id is required"})
		return
	}

	v, err := h.Vouchers.GetVoucher(r.Context(), id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "system error"})
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "voucher not found"})
		return
	}
	json.NewEncoder(w).Encode(v)
}

// SignInHandler records a daily check-in and reports the current streak.
type SignInHandler struct {
	SignIn *service.SignInService
}

func NewSignInHandler(s *service.SignInService) *SignInHandler {
	return &SignInHandler{SignIn: s}
}

func (h *SignInHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "user_id is required"})
		return
	}

	now := time.Now()
	if err := h.SignIn.Sign(r.Context(), userID, now); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "system error"})
		return
	}
	streak, err := h.SignIn.SignStreak(r.Context(), userID, now)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "system error"})
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"streak": streak})
}
