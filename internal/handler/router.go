package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rada-service/internal/client"
	"rada-service/internal/hashing"
	"rada-service/internal/metrics"
	"rada-service/internal/util"
)

// HealthChecker reports dependency health for the /health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
	IsHealthy(ctx context.Context) bool
	StoreMode() string
}

// Routes groups the handlers mounted by NewRouter. Nil handlers are skipped.
type Routes struct {
	Webhooks *WebhookHandler
	Telegram *TelegramHandler
	Rates    *RateHandler
	Health   HealthChecker
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(routes Routes, corsOrigins []string, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", hashing.SignatureHeader},
		MaxAge:         300,
	}))

	router.Get("/health", healthHandler(routes.Health, routes.Rates))
	router.Handle("/metrics", promhttp.Handler())

	if routes.Rates != nil {
		router.Get("/api/exchange-rate", routes.Rates.GetExchangeRate)
	}
	if routes.Webhooks != nil {
		router.Post(client.LightningCallbackPath, routes.Webhooks.LightningCallback)
		router.Post(client.PayoutCallbackPath, routes.Webhooks.PayoutCallback)
	}
	if routes.Telegram != nil {
		router.Post("/webhook/telegram", routes.Telegram.HandleUpdate)
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(checker HealthChecker, rates *RateHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "healthy", "service": "rada-service"}
		status := http.StatusOK

		if checker != nil {
			checks := make(map[string]string)
			for name, err := range checker.HealthCheck(r.Context()) {
				checks[name] = err.Error()
			}
			body["store"] = checker.StoreMode()
			if len(checks) > 0 {
				body["degraded"] = checks
			}
			if !checker.IsHealthy(r.Context()) {
				body["status"] = "unhealthy"
				status = http.StatusServiceUnavailable
			}
		}
		if rates != nil {
			body["rate"] = rates.freshness()
		}

		writeJSON(w, status, body)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware records request latency keyed by the matched route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
