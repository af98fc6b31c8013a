package httpapi

import (
	"testing"
	"time"
)

func TestParseBearerRejectsExpiredToken(t *testing.T) {
	token := mustTestJWT(t, "secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(-time.Minute))
	if _, err := parseBearer("Bearer "+token, "secret", time.Now()); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestParseBearerRejectsWrongSecret(t *testing.T) {
	token := mustTestJWT(t, "secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	if _, err := parseBearer("Bearer "+token, "other-secret", time.Now()); err == nil {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestAuthorizeBearerScopeChecks(t *testing.T) {
	token := mustTestJWT(t, "secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))

	if _, err := authorizeBearer("Bearer "+token, "secret", "env_1", "arrangement:read", time.Now()); err != nil {
		t.Fatalf("expected token to authorize, got %v", err)
	}
	if _, err := authorizeBearer("Bearer "+token, "secret", "env_1", "arrangement:write", time.Now()); err == nil {
		t.Fatal("expected missing scope to be rejected")
	}
	if _, err := authorizeBearer("Bearer "+token, "secret", "env_2", "arrangement:read", time.Now()); err == nil {
		t.Fatal("expected scope mismatch to be rejected")
	}
}

func TestParseScopesForms(t *testing.T) {
	fromList := parseScopes([]any{"arrangement:read", "arrangement:write"})
	if len(fromList) != 2 {
		t.Fatalf("expected 2 scopes from list, got %v", fromList)
	}
	fromString := parseScopes("arrangement:read arrangement:write")
	if len(fromString) != 2 {
		t.Fatalf("expected 2 scopes from string, got %v", fromString)
	}
	if len(parseScopes(nil)) != 0 {
		t.Fatal("expected no scopes from nil")
	}
}
