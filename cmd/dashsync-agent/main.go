package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/isomorphiq/dashsync/internal/session"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("DASHSYNC_BASE_URL", "http://127.0.0.1:8080"), "dashsync base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("DASHSYNC_TOKEN")), "bearer token")
	scope := flag.String("scope", strings.TrimSpace(os.Getenv("DASHSYNC_SCOPE")), "arrangement scope")
	cacheDir := flag.String("cache-dir", strings.TrimSpace(os.Getenv("DASHSYNC_CACHE_DIR")), "local cache directory")
	busDir := flag.String("bus-dir", strings.TrimSpace(os.Getenv("DASHSYNC_BUS_DIR")), "same-device session bus directory (optional)")
	debounce := flag.Duration("debounce", durationEnv("DASHSYNC_DEBOUNCE", 400*time.Millisecond), "edit debounce before sync")
	retryBase := flag.Duration("retry-base", durationEnv("DASHSYNC_RETRY_BASE", time.Second), "base retry delay")
	retryMax := flag.Duration("retry-max", durationEnv("DASHSYNC_RETRY_MAX", 30*time.Second), "max retry delay")
	retryAttempts := flag.Int("retry-attempts", intEnv("DASHSYNC_RETRY_ATTEMPTS", 5), "sync attempts before giving up")
	jitter := flag.Float64("jitter", floatEnv("DASHSYNC_JITTER", 0.2), "retry jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("DASHSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "flush any pending edits once and exit")
	status := flag.Bool("status", false, "print the backend sync status for the scope and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or DASHSYNC_TOKEN)")
	}
	if strings.TrimSpace(*scope) == "" {
		log.Fatalf("scope is required (--scope or DASHSYNC_SCOPE)")
	}
	if strings.TrimSpace(*cacheDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("cache-dir is required (--cache-dir or DASHSYNC_CACHE_DIR)")
		}
		*cacheDir = filepath.Join(home, ".dashsync", strings.TrimSpace(*scope))
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*jitter = clampJitterRatio(*jitter)

	if *status {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		client := session.NewClient(strings.TrimSpace(*baseURL), strings.TrimSpace(*token), &http.Client{Timeout: *timeout})
		st, err := client.GetSyncStatus(ctx, strings.TrimSpace(*scope))
		if err != nil {
			log.Fatalf("sync status failed: %v", err)
		}
		log.Printf("scope %s: schema v%d, updated at %d, %d live connections", st.Scope, st.SchemaVersion, st.UpdatedAt, st.LiveConnections)
		return
	}

	sess, err := session.NewSession(session.SessionConfig{
		BaseURL:     strings.TrimSpace(*baseURL),
		Token:       strings.TrimSpace(*token),
		Scope:       strings.TrimSpace(*scope),
		CacheDir:    *cacheDir,
		BusDir:      strings.TrimSpace(*busDir),
		HTTPClient:  &http.Client{Timeout: *timeout},
		Logger:      log.Default(),
		Debounce:    *debounce,
		BaseDelay:   *retryBase,
		MaxDelay:    *retryMax,
		MaxAttempts: *retryAttempts,
		JitterRatio: *jitter,
		Notify: func(err error) {
			log.Printf("sync gave up after retries: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}
	defer sess.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		sess.Sync()
		return
	}

	log.Printf("dashsync agent running for scope %s (source %s)", *scope, sess.SourceID())
	if err := sess.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Fatalf("agent stopped: %v", err)
	}
	log.Printf("agent stopping: %v", rootCtx.Err())
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
