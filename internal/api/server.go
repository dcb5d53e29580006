package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"Teknia-Ledger/internal/auth"
	"Teknia-Ledger/internal/distribution"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部驱动账本与分配。
type Server struct {
	addr     string
	ledger   *ledger.Ledger
	dist     *distribution.Service
	enqueuer *distribution.Enqueuer
	runs     distribution.RunStore
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, led *ledger.Ledger, dist *distribution.Service,
	enqueuer *distribution.Enqueuer, runs distribution.RunStore, authSvc *auth.Service) *Server {
	return &Server{
		addr:     addr,
		ledger:   led,
		dist:     dist,
		enqueuer: enqueuer,
		runs:     runs,
		auth:     authSvc,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 组装全部路由与中间件。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/transfer", s.guarded("transfer", auth.PermTransfer,
		s.mutating(s.handleTransfer)))
	mux.Handle("/api/v1/reward", s.guarded("reward", auth.PermReward,
		s.mutating(s.handleReward)))
	mux.Handle("/api/v1/consume", s.guarded("consume", auth.PermConsume,
		s.mutating(s.handleConsume)))
	mux.Handle("/api/v1/quote", s.guarded("quote", auth.PermRead,
		http.HandlerFunc(s.handleQuote)))
	mux.Handle("/api/v1/balance", s.guarded("balance", auth.PermRead,
		http.HandlerFunc(s.handleBalance)))
	mux.Handle("/api/v1/transactions", s.guarded("transactions", auth.PermRead,
		http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/api/v1/verify", s.guarded("verify", auth.PermVerify,
		http.HandlerFunc(s.handleVerify)))
	mux.Handle("/api/v1/distributions", s.guarded("distributions", auth.PermDistribute,
		http.HandlerFunc(s.handleDistributions)))
	mux.Handle("/api/v1/distributions/", s.guarded("distribution_run", auth.PermDistribute,
		http.HandlerFunc(s.handleDistributionRun)))

	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// guarded 组合鉴权与指标采集中间件。指标在最外层，拒绝的请求同样计数。
func (s *Server) guarded(name, permission string, next http.Handler) http.Handler {
	handler := next
	if s.auth != nil && s.auth.Mode() != auth.ModeDisabled {
		middleware := s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          name,
		})
		handler = middleware(handler)
	}
	return withMetrics(name, handler)
}

// mutating 把写操作限定为 POST。
func (s *Server) mutating(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// withMetrics 记录每个端点的请求量与时延。
func withMetrics(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withContext 让服务器级别的取消同样作用于单个请求。
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-merged.Done():
			}
		}()
		next.ServeHTTP(w, r.WithContext(merged))
	})
}
