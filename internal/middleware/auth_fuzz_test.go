package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func FuzzParseToken(f *testing.F) {
	f.Add("Bearer token")
	f.Add("bearer value")
	f.Add("bare-token")
	f.Add("Basic value")
	f.Add("")
	f.Add("Bearer")

	f.Fuzz(func(t *testing.T, authorizationHeader string) {
		token, err := parseToken(authorizationHeader)
		parts := strings.Fields(authorizationHeader)

		var want string
		switch {
		case len(parts) == 2 && strings.EqualFold(parts[0], "Bearer"):
			want = parts[1]
		case len(parts) == 1 && !strings.EqualFold(parts[0], "Bearer"):
			want = parts[0]
		}

		if want != "" {
			if err != nil {
				t.Fatalf("parseToken(%q) error = %v, want nil", authorizationHeader, err)
			}
			if token != want {
				t.Fatalf("parseToken(%q) token = %q, want %q", authorizationHeader, token, want)
			}
			return
		}

		if err == nil {
			t.Fatalf("parseToken(%q) error = nil, want non-nil", authorizationHeader)
		}
	})
}

func FuzzSplitToken(f *testing.F) {
	f.Add("edge.secret")
	f.Add(".")
	f.Add("a.b.c")
	f.Add("")

	f.Fuzz(func(t *testing.T, token string) {
		id, secret, err := SplitToken(token)
		if err != nil {
			return
		}
		if id+"."+secret != token {
			t.Fatalf("SplitToken(%q) = (%q, %q), does not rejoin", token, id, secret)
		}
		if strings.Contains(id, ".") || secret == "" {
			t.Fatalf("SplitToken(%q) = (%q, %q), want id without dots and non-empty secret", token, id, secret)
		}
	})
}

func FuzzAPIKeyMatchesHash(f *testing.F) {
	validHash, err := HashAPIKey("seed-secret")
	if err != nil {
		f.Fatalf("HashAPIKey(seed-secret) error = %v", err)
	}

	legacySum := sha256.Sum256([]byte("legacy-secret"))
	legacyHash := hex.EncodeToString(legacySum[:])

	f.Add(validHash, "seed-secret")
	f.Add(validHash, "wrong-secret")
	f.Add(legacyHash, "legacy-secret")
	f.Add("not-hex", "secret")

	f.Fuzz(func(t *testing.T, expectedHash, apiKey string) {
		_ = APIKeyMatchesHash(expectedHash, apiKey)

		if expectedHash == validHash && apiKey == "seed-secret" && !APIKeyMatchesHash(expectedHash, apiKey) {
			t.Fatalf("expected bcrypt hash to match seed secret")
		}
		if expectedHash == legacyHash && apiKey == "legacy-secret" && !APIKeyMatchesHash(expectedHash, apiKey) {
			t.Fatalf("expected legacy hash to match seed secret")
		}
	})
}
