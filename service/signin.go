package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignInService tracks daily check-ins as one bitmap per user per month: bit
// n-1 is day n.
type SignInService struct {
	Client *redis.Client
}

func NewSignInService(client *redis.Client) *SignInService {
	return &SignInService{Client: client}
}

func signKey(userID int64, day time.Time) string {
	return fmt.Sprintf("sign:%d:%s", userID, day.Format("200601"))
}

// Sign marks the user as checked in on the given day.
func (s *SignInService) Sign(ctx context.Context, userID int64, day time.Time) error {
	return s.Client.SetBit(ctx, signKey(userID, day), int64(day.Day()-1), 1).Err()
}

// SignStreak counts consecutive signed days ending on the given day. The
// whole month fits in four bytes, so one range read of the bitmap replaces a
// per-day round trip; the trailing run of set bits is counted client-side.
func (s *SignInService) SignStreak(ctx context.Context, userID int64, day time.Time) (int, error) {
	raw, err := s.Client.GetRange(ctx, signKey(userID, day), 0, 3).Result()
	if err != nil {
		return 0, err
	}

	// SETBIT numbers bits from the most significant bit of byte 0
	streak := 0
	for d := day.Day(); d >= 1; d-- {
		idx := (d - 1) / 8
		if idx >= len(raw) || raw[idx]&(1<<uint(7-(d-1)%8)) == 0 {
			break
		}
		streak++
	}
	return streak, nil
}
