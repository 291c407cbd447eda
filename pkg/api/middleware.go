package routing

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findingaids_http_requests_total",
		Help: "HTTP requests, by operation and status.",
	}, []string{"operation", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "findingaids_http_request_duration_seconds",
		Help:    "HTTP request duration, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

func metricsMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	op := ctx.Operation().OperationID
	httpRequestsTotal.WithLabelValues(op, strconv.Itoa(ctx.Status())).Inc()
	httpRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// authMiddleware checks the bearer token of operations requiring bearerAuth.
// Without a secret those operations are refused.
func authMiddleware(api huma.API, secret string) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		isAuthorizationRequired := false
		for _, opScheme := range ctx.Operation().Security {
			if _, ok := opScheme["bearerAuth"]; ok {
				isAuthorizationRequired = true
				break
			}
		}

		if !isAuthorizationRequired {
			next(ctx)
			return
		}

		if secret == "" {
			huma.WriteErr(api, ctx, http.StatusUnauthorized, "authentication is not configured")
			return
		}

		tokenString := strings.TrimPrefix(ctx.Header("Authorization"), "Bearer ")

		if tokenString == "" {
			tokenString = ctx.Query("jwt")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})

		if err != nil || !token.Valid {
			huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid token", err)
			return
		}

		next(ctx)
	}
}
