package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/notekeep/internal/auth"
	"github.com/hitoshi/notekeep/internal/model"
)

// --- モック定義 ---

type mockSessionValidator struct {
	validateFn func(ctx context.Context, token string) (*model.Session, error)
}

func (m *mockSessionValidator) ValidateSession(ctx context.Context, token string) (*model.Session, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, token)
	}
	return nil, auth.ErrInvalidSession
}

var _ SessionValidator = (*mockSessionValidator)(nil)

func validatorFor(token, userID string) *mockSessionValidator {
	return &mockSessionValidator{
		validateFn: func(_ context.Context, got string) (*model.Session, error) {
			if got == token {
				return &model.Session{ID: "s-1", UserID: userID}, nil
			}
			return nil, auth.ErrInvalidSession
		},
	}
}

// --- テスト ---

func TestBearerAuthMiddleware_ValidToken_InjectsUserID(t *testing.T) {
	mw := NewBearerAuthMiddleware(validatorFor("valid-token", "user-123"))

	var capturedUserID, capturedToken string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID
		capturedToken, _ = BearerTokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedToken != "valid-token" {
		t.Errorf("token = %q, want %q", capturedToken, "valid-token")
	}
}

func TestBearerAuthMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty token", "Bearer "},
		{"invalid token", "Bearer revoked-token"},
	}

	mw := NewBearerAuthMiddleware(validatorFor("valid-token", "user-123"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestBearerAuthMiddleware_StoreError_Returns500(t *testing.T) {
	mw := NewBearerAuthMiddleware(&mockSessionValidator{
		validateFn: func(context.Context, string) (*model.Session, error) {
			return nil, errors.New("connection refused")
		},
	})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	// ストア障害はセッション無効と区別し、クライアントにログアウトさせない
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestOptionalBearerMiddleware(t *testing.T) {
	mw := NewOptionalBearerMiddleware(validatorFor("valid-token", "user-123"))

	tests := []struct {
		name       string
		header     string
		wantUserID string
	}{
		{"no header", "", ""},
		{"invalid token", "Bearer bad", ""},
		{"valid token", "Bearer valid-token", "user-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				userID, _ := UserIDFromContext(r.Context())
				if userID != tt.wantUserID {
					t.Errorf("userID = %q, want %q", userID, tt.wantUserID)
				}
				w.WriteHeader(http.StatusAccepted)
			}))

			req := httptest.NewRequest(http.MethodPost, "/auth/reset-password", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if !called {
				t.Error("handler should always be called")
			}
			if w.Code != http.StatusAccepted {
				t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user ID")
	}
}
