package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule limits one route. Buckets are per route and per key.
type rateRule struct {
	route  string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

var (
	ruleSignup     = rateRule{route: "auth_signup", limit: 5, window: time.Minute, key: rateLimitKeyIP}
	ruleLogin      = rateRule{route: "auth_login", limit: 12, window: time.Minute, key: rateLimitKeyIP}
	ruleRefresh    = rateRule{route: "auth_refresh", limit: 12, window: time.Minute, key: rateLimitKeyIP}
	ruleNodes      = rateRule{route: "nodes", limit: 60, window: time.Minute, key: rateLimitKeyUser}
	ruleNode       = rateRule{route: "node", limit: 120, window: time.Minute, key: rateLimitKeyUser}
	ruleWebhook    = rateRule{route: "webhook", limit: 60, window: time.Minute, key: rateLimitKeyIP}
	ruleAgentLogin = rateRule{route: "agent_connect", limit: 30, window: time.Minute, key: rateLimitKeyAgent}
)

func (rule rateRule) bucket(req *http.Request) (bucket, kind string) {
	key := ""
	if rule.key != nil {
		key = rule.key(req)
	}
	if key == "" {
		key = rateLimitKeyIP(req)
	}
	kind, _, _ = strings.Cut(key, ":")
	return rule.route + "|" + key, kind
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateDecision
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local RateLimiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]rateDecision),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	current, ok := rl.windows[key]
	if !ok || now.After(current.windowEnd) {
		current = rateDecision{windowEnd: now.Add(window)}
	}
	if current.count >= limit {
		current.allowed = false
		return current
	}
	current.count++
	current.allowed = true
	rl.windows[key] = current
	return current
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.After(w.windowEnd) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// limited answers 429 once rule's bucket for the request is exhausted.
func (r *Router) limited(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		bucket, kind := rule.bucket(req)
		decision := r.limiter.Allow(bucket, rule.limit, rule.window)
		r.applyRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(rule.route, kind)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authenticated requires a bearer token and then applies rule keyed by user.
func (r *Router) authenticated(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(rule, next))
}

func rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

// rateLimitKeyAgent keys agent connection attempts by the presented login so
// agents sharing an address do not starve each other.
func rateLimitKeyAgent(req *http.Request) string {
	if login, _, ok := req.BasicAuth(); ok && login != "" {
		return "agent:" + login
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
