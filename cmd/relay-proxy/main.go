package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/socialrelay/socialrelay/internal/relayhttp"
	"github.com/socialrelay/socialrelay/pkg/breaker"
	"github.com/socialrelay/socialrelay/pkg/client"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
	"github.com/socialrelay/socialrelay/pkg/logging"
	"github.com/socialrelay/socialrelay/pkg/metrics"
	"github.com/socialrelay/socialrelay/pkg/pool"
	"github.com/socialrelay/socialrelay/pkg/ratelimit"
)

func main() {
	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	upstream := getEnv("UPSTREAM_URL", "http://localhost:9000")
	inboundRPS := getEnvFloat("INBOUND_RPS", 50)
	inboundBurst := getEnvInt("INBOUND_BURST", 100)

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
	})

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisURL).Msg("Redis connection failed")
	}
	logger.Info().Str("addr", redisURL).Msg("Connected to Redis")

	relay, err := client.New(relayConfig(upstream, redisClient))
	if err != nil {
		logger.Fatal().Err(err).Msg("Relay client setup failed")
	}

	// The inbound limiter smooths bursts at the relay's own edge; the
	// adaptive outbound buckets belong to the client pipeline.
	inbound := rate.NewLimiter(rate.Limit(inboundRPS), inboundBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(redisClient))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", statusHandler(relay))
	mux.Handle("/relay/", throttle(inbound, relayHandler(relay, logger)))

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("upstream", upstream).
			Msg("Relay proxy listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop, cancelSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelSignals()
	<-stop.Done()

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := relay.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Relay client close failed")
	}
	redisClient.Close()
	logger.Info().Msg("Shutdown complete")
}

// relayConfig wires the pipeline around the HTTP transport, with
// adaptive limiter state persisted in Redis.
func relayConfig(upstream string, redisClient *redis.Client) client.Config {
	cfg := client.DefaultConfig(relayhttp.NewTransport(upstream))
	cfg.Store = ratelimit.NewRedisStore(redisClient, time.Hour)
	cfg.Pool.Dial = relayhttp.Dial(30 * time.Second)
	cfg.Pool.Close = relayhttp.CloseConn
	return cfg
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// statusHandler reports the pipeline's view of every endpoint key.
func statusHandler(relay *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		circuits := make(map[string]string)
		for key, state := range relay.Breakers().States() {
			circuits[key] = state.String()
		}
		limits := make(map[string]ratelimit.AdaptiveState)
		for _, key := range relay.Limits().Keys() {
			limits[key] = relay.Limits().ForKey(key).State()
		}

		status := struct {
			Requests map[string]metrics.RetryMetrics    `json:"requests"`
			Circuits map[string]string                  `json:"circuits"`
			Limits   map[string]ratelimit.AdaptiveState `json:"limits"`
			Pool     pool.Stats                         `json:"pool"`
		}{
			Requests: relay.Metrics().SnapshotAll(),
			Circuits: circuits,
			Limits:   limits,
			Pool:     relay.Pool().Stats(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, "encode status", http.StatusInternalServerError)
		}
	}
}

func throttle(inbound *rate.Limiter, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !inbound.Allow() {
			http.Error(w, "relay overloaded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	})
}

func relayHandler(relay *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Example: /relay/piapi/v1/posts -> key "piapi", path "/v1/posts"
		key, path, ok := splitRelayPath(r.URL.Path)
		if !ok {
			http.Error(w, "path must be /relay/<key>/<endpoint>", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}

		result, err := relay.Do(r.Context(), client.Request{
			Key: key,
			Payload: relayhttp.Payload{
				Method: r.Method,
				Path:   path,
				Query:  r.URL.RawQuery,
				Header: r.Header,
				Body:   body,
			},
		})
		if err != nil {
			status, msg := upstreamFailure(err)
			http.Error(w, msg, status)
			return
		}

		resp, ok := result.(relayhttp.Result)
		if !ok {
			// Fallback results have no HTTP shape; hand them through as JSON.
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(result)
			return
		}

		for k, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.Status)
		if _, err := w.Write(resp.Body); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Response write failed")
		}
	}
}

// upstreamFailure maps pipeline errors onto inbound status codes.
func upstreamFailure(err error) (int, string) {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "endpoint circuit open"
	case errors.Is(err, pool.ErrExhausted):
		return http.StatusServiceUnavailable, "relay at capacity"
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return http.StatusServiceUnavailable, "rate limit wait timed out"
	}
	if te := apperrors.AsTransport(err); te != nil && te.Status > 0 {
		return te.Status, te.Message
	}
	return http.StatusBadGateway, fmt.Sprintf("relay request failed: %v", err)
}

func splitRelayPath(p string) (key, path string, ok bool) {
	rest := strings.TrimPrefix(p, "/relay/")
	if rest == p || rest == "" {
		return "", "", false
	}
	key, path, found := strings.Cut(rest, "/")
	if !found || key == "" || path == "" {
		return "", "", false
	}
	return key, "/" + path, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
