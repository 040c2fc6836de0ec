package service

import (
	"context"
	"log"
	"time"

	"voucher-system/repository"
)

// StartPromoter periodically moves waiting users into free active-set slots.
// It returns when ctx is cancelled.
func StartPromoter(ctx context.Context, redis repository.SeckillRepository, maxActive int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	log.Println("promoter started")

	for {
		select {
		case <-ticker.C:
			count, err := redis.PromoteUsers(ctx, maxActive)
			if err != nil {
				log.Printf("promote users: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("promoted %d users from the waiting queue", count)
			}
		case <-ctx.Done():
			log.Println("promoter stopped")
			return
		}
	}
}
