package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

type readiness struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Duration string            `json:"duration"`
}

// RegisterHealthRoutes adds liveness and readiness probes to the given mux.
// Redis is optional; an unreachable Redis degrades but does not fail readiness
// because the free-mode counter falls back to memory.
func RegisterHealthRoutes(mux *http.ServeMux, pool *pgxpool.Pool, redisClient *goredis.Client) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := readiness{Status: "ready", Checks: map[string]string{}}
		code := http.StatusOK

		if err := pool.Ping(ctx); err != nil {
			res.Checks["postgres"] = err.Error()
			res.Status = "unavailable"
			code = http.StatusServiceUnavailable
		} else {
			res.Checks["postgres"] = "ok"
		}

		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				res.Checks["redis"] = "degraded: " + err.Error()
			} else {
				res.Checks["redis"] = "ok"
			}
		}

		res.Duration = time.Since(start).String()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(res)
	})
}
