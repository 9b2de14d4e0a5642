package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ragrelay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, sub, email, secret string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestParseAccessToken(t *testing.T) {
	tokenStr := signToken(t, "user-123", "a@b.com", testSecret, time.Hour)

	claims, err := ParseAccessToken(tokenStr, testSecret)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("ParseAccessToken() sub = %q, want user-123", claims.Subject)
	}
	if claims.Email != "a@b.com" {
		t.Errorf("ParseAccessToken() email = %q, want a@b.com", claims.Email)
	}
}

func TestParseAccessToken_WrongSecret(t *testing.T) {
	tokenStr := signToken(t, "user-123", "", "other-secret", time.Hour)
	if _, err := ParseAccessToken(tokenStr, testSecret); err == nil {
		t.Error("ParseAccessToken() should reject a token signed with another secret")
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	tokenStr := signToken(t, "user-123", "", testSecret, -time.Minute)
	if _, err := ParseAccessToken(tokenStr, testSecret); err == nil {
		t.Error("ParseAccessToken() should reject an expired token")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{SupabaseJWTSecret: testSecret}

	r := gin.New()
	r.GET("/protected", Middleware(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c)})
	})

	tests := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{"valid token", "Bearer " + signToken(t, "user-9", "", testSecret, time.Hour), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"expired token", "Bearer " + signToken(t, "user-9", "", testSecret, -time.Minute), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetUserID_Unset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if id := GetUserID(c); id != "" {
		t.Errorf("GetUserID() = %q, want empty", id)
	}
}
