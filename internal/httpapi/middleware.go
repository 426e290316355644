package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				zap.String("request_id", middleware.GetReqID(req.Context())),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("remote", req.RemoteAddr))
		}()
		next.ServeHTTP(ww, req)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("panic", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			s.writeError(w, req, domain.Internal(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, req)
	})
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() (requests int, window time.Duration)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.opts.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		ok, err := s.opts.Limiter.Allow(req.Context(), key)
		if err != nil {
			// Redis trouble should not take submission down with it.
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, req)
			return
		}
		if !ok {
			n, window := s.opts.Limiter.Limit()
			s.log.Warn("rate limit exceeded", zap.String("client", key))
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			s.writeError(w, req, domain.RateLimited(n, int(window.Seconds())))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// RedisLimiter is a fixed-window counter shared by every API replica.
type RedisLimiter struct {
	rdb      *r.Client
	requests int
	window   time.Duration
	now      func() time.Time
}

func NewRedisLimiter(rdb *r.Client, requests int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, requests: requests, window: window, now: time.Now}
}

func (l *RedisLimiter) Limit() (int, time.Duration) { return l.requests, l.window }

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("ratelimit:%s:%d", key, slot)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.requests), nil
}
