package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/isomorphiq/dashsync/internal/arrangestore"
	"github.com/isomorphiq/dashsync/internal/httpapi"
	"github.com/isomorphiq/dashsync/internal/livechannel"
)

func main() {
	addr := os.Getenv("DASHSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	backend, err := buildBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize arrangement backend: %v", err)
	}

	store, err := arrangestore.NewStore(arrangestore.StoreOptions{
		Backend:          backend,
		LegacyLayoutFile: strings.TrimSpace(os.Getenv("DASHSYNC_LEGACY_LAYOUT_FILE")),
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to open arrangement store: %v", err)
	}
	defer store.Close()

	if scopes, err := store.ListScopes(context.Background()); err != nil {
		log.Printf("could not enumerate stored scopes: %v", err)
	} else {
		log.Printf("backend holds %d arrangement scope(s)", len(scopes))
	}

	hub := livechannel.NewHub(store, log.Default())
	server := httpapi.NewServerWithConfig(store, hub, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("DASHSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("DASHSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DASHSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DASHSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("dashsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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

func buildBackendFromEnv() (arrangestore.KVBackend, error) {
	profileDSN, err := backendProfileDSNFromEnv()
	if err != nil {
		return nil, err
	}
	backendDSN := strings.TrimSpace(os.Getenv("DASHSYNC_BACKEND_DSN"))
	switch {
	case backendDSN != "":
		return arrangestore.BuildKVBackendFromDSN(backendDSN)
	case profileDSN != "":
		return arrangestore.BuildKVBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func backendProfileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("DASHSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("DASHSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".dashsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "arrangements.json"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("DASHSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("DASHSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("DASHSYNC_PRODUCTION_DSN or DASHSYNC_POSTGRES_DSN is required when DASHSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "redis":
		redisDSN := strings.TrimSpace(os.Getenv("DASHSYNC_REDIS_DSN"))
		if redisDSN == "" {
			return "", fmt.Errorf("DASHSYNC_REDIS_DSN is required when DASHSYNC_BACKEND_PROFILE=%s", profile)
		}
		return redisDSN, nil
	default:
		return "", fmt.Errorf("unsupported DASHSYNC_BACKEND_PROFILE: %s", profile)
	}
}
