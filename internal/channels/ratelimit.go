package channels

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedSenders caps the limiter map so rotating sender IDs cannot
// exhaust memory.
const maxTrackedSenders = 4096

// SenderLimiter rate-limits inbound messages per sender.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSenderLimiter allows count messages per window for each sender.
func NewSenderLimiter(count int, window time.Duration) *SenderLimiter {
	if count <= 0 {
		count = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SenderLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(count) / window.Seconds()),
		burst:    count,
	}
}

// Allow reports whether the sender may proceed. When denied it returns
// the seconds to wait before the next message would be admitted.
func (l *SenderLimiter) Allow(senderID string) (bool, int) {
	l.mu.Lock()
	lim, ok := l.limiters[senderID]
	if !ok {
		if len(l.limiters) >= maxTrackedSenders {
			for k := range l.limiters {
				delete(l.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[senderID] = lim
	}
	l.mu.Unlock()

	res := lim.Reserve()
	if !res.OK() {
		return false, int(math.Ceil((time.Duration(l.burst) * time.Second).Seconds()))
	}
	delay := res.Delay()
	if delay == 0 {
		return true, 0
	}
	res.Cancel()
	return false, int(math.Ceil(delay.Seconds()))
}

// DenyMessage renders the user-facing rate limit notice.
func DenyMessage(waitSeconds int) string {
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	return fmt.Sprintf("发送太频繁，请等待 %d 秒后再试", waitSeconds)
}
