package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestGetIdempotencyKey_Empty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	if k, ok := GetIdempotencyKey(c); ok || k != "" {
		t.Fatalf("expected no key, got %q ok=%v", k, ok)
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}
}

func TestIdempotencyValidator_HeaderValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		key      string
		wantCode int
	}{
		{"no header is a no-op", "", http.StatusOK},
		{"valid token accepted", "retry-7a8d9f4c", http.StatusOK},
		{"illegal characters rejected", "key with spaces", http.StatusBadRequest},
		{"oversized key rejected", strings.Repeat("k", 201), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stashed string
			r := gin.New()
			r.Use(IdempotencyValidator(IdempotencyOptions{}, nil))
			r.POST("/conversations/:id/messages", func(c *gin.Context) {
				stashed, _ = GetIdempotencyKey(c)
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
			if tt.key != "" {
				req.Header.Set(HeaderIdempotencyKey, tt.key)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusBadRequest {
				var body map[string]any
				if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
					t.Fatalf("invalid JSON body: %v", err)
				}
				if body["code"] != "bad_idempotency_key" {
					t.Fatalf("unexpected error code %v", body["code"])
				}
				return
			}
			if tt.key != "" && stashed != tt.key {
				t.Fatalf("stashed key = %q, want %q", stashed, tt.key)
			}
		})
	}
}

func TestIdempotencyValidator_ReplayMarksBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gotOrg, gotConv, gotKey string
	lookup := func(ctx context.Context, orgID, conversationID, key string, now time.Time) (bool, error) {
		gotOrg, gotConv, gotKey = orgID, conversationID, key
		return key == "seen-before", nil
	}

	var replay, bypass bool
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/conversations/:id/messages", func(c *gin.Context) {
		replay = IsReplay(c)
		bypass = IsRateBypass(c)
		c.Status(http.StatusOK)
	})

	// Fresh key: no replay marking.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderOrgID, "org1")
	req.Header.Set(HeaderIdempotencyKey, "fresh")
	r.ServeHTTP(w, req)
	if replay || bypass {
		t.Fatalf("fresh key marked replay=%v bypass=%v", replay, bypass)
	}
	if gotOrg != "org1" || gotConv != "c1" || gotKey != "fresh" {
		t.Fatalf("lookup saw (%q,%q,%q), want (org1,c1,fresh)", gotOrg, gotConv, gotKey)
	}

	// Known key: replay and rate bypass both set.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderOrgID, "org1")
	req.Header.Set(HeaderIdempotencyKey, "seen-before")
	r.ServeHTTP(w, req)
	if !replay || !bypass {
		t.Fatalf("known key not marked: replay=%v bypass=%v", replay, bypass)
	}
}
