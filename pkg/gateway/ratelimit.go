package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter bounds the request rate and the number of in-flight
// requests of one client
type ClientLimiter struct {
	limiter  *rate.Limiter
	inFlight chan struct{}
}

// NewClientLimiter allows requestsPerMinute with a burst of the same size
// and at most maxConcurrent requests in flight
func NewClientLimiter(requestsPerMinute, maxConcurrent int) *ClientLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ClientLimiter{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
		inFlight: make(chan struct{}, maxConcurrent),
	}
}

// Acquire reserves a slot. On success the returned release must be called
// when the request finishes; otherwise the RPC error explains the refusal.
func (l *ClientLimiter) Acquire() (func(), *RPCError) {
	select {
	case l.inFlight <- struct{}{}:
	default:
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}
	if !l.limiter.Allow() {
		<-l.inFlight
		return nil, &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-l.inFlight })
	}, nil
}

// InFlight returns the number of requests currently holding a slot
func (l *ClientLimiter) InFlight() int {
	return len(l.inFlight)
}

// limiterSet keys HTTP clients by remote host
type limiterSet struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	limiters          map[string]*ClientLimiter
}

func newLimiterSet(requestsPerMinute, maxConcurrent int) *limiterSet {
	return &limiterSet{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		limiters:          make(map[string]*ClientLimiter),
	}
}

func (s *limiterSet) forAddr(remoteAddr string) *ClientLimiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = NewClientLimiter(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[host] = l
	}
	return l
}
