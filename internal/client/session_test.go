package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestHydrate_RestoresPersistedSession(t *testing.T) {
	store := NewMemStore()
	st := State{User: &User{ID: "u-1", Email: "a@b.com"}, Token: "tok", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	b, _ := json.Marshal(st)
	store.Set(sessionKey, string(b))

	m := NewSessionManager(store, NewBackend("http://unused"))
	defer m.Close()

	got := m.Hydrate()
	if !got.Authenticated() {
		t.Fatal("restored session is not authenticated")
	}
	if got.User == nil || got.User.ID != "u-1" {
		t.Errorf("user = %+v", got.User)
	}
}

func TestHydrate_RunsOnce(t *testing.T) {
	store := NewMemStore()
	m := NewSessionManager(store, NewBackend("http://unused"))
	defer m.Close()

	if st := m.Hydrate(); st.Authenticated() {
		t.Fatal("empty store produced an authenticated session")
	}

	// Writing to the store after the first hydrate must not leak in.
	b, _ := json.Marshal(State{Token: "late"})
	store.Set(sessionKey, string(b))
	if st := m.Hydrate(); st.Authenticated() {
		t.Error("second Hydrate() re-read the store")
	}
}

func TestHydrate_CorruptedStateResetsToAnonymous(t *testing.T) {
	store := NewMemStore()
	store.Set(sessionKey, "{not json")

	m := NewSessionManager(store, NewBackend("http://unused"))
	defer m.Close()

	if st := m.Hydrate(); st.Authenticated() {
		t.Fatal("corrupted state produced an authenticated session")
	}
	if _, ok := store.Get(sessionKey); ok {
		t.Error("corrupted persisted state was not cleared")
	}
}

func TestSetSession_PersistsOnlyWithToken(t *testing.T) {
	store := NewMemStore()
	m := NewSessionManager(store, NewBackend("http://unused"))
	defer m.Close()
	m.Hydrate()

	m.SetSession(State{User: &User{ID: "u"}, Token: "tok"})
	if _, ok := store.Get(sessionKey); !ok {
		t.Fatal("authenticated session was not persisted")
	}

	m.SetSession(State{User: &User{ID: "u"}})
	if _, ok := store.Get(sessionKey); ok {
		t.Error("tokenless session left a persisted copy behind")
	}
}

func TestExpiry_SilentLogout(t *testing.T) {
	var logoutCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/logout" {
			atomic.AddInt32(&logoutCalls, 1)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := NewMemStore()
	m := NewSessionManager(store, NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()

	expired := make(chan struct{})
	m.OnExpire = func() { close(expired) }

	m.SetSession(State{Token: "tok", ExpiresAt: time.Now().Add(30 * time.Millisecond).UnixMilli()})

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}

	if m.Current().Authenticated() {
		t.Error("session still authenticated after expiry")
	}
	if _, ok := store.Get(sessionKey); ok {
		t.Error("persisted session survived expiry")
	}
	if atomic.LoadInt32(&logoutCalls) != 1 {
		t.Errorf("backend logout called %d times", logoutCalls)
	}
}

func TestExpiry_PastDueFiresImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := NewSessionManager(NewMemStore(), NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()

	expired := make(chan struct{})
	m.OnExpire = func() { close(expired) }

	m.SetSession(State{Token: "tok", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()})

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("past-due session did not expire")
	}
}

func TestLogout_ClearsLocalStateEvenWhenBackendFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"gotrue down"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemStore()
	m := NewSessionManager(store, NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()
	m.SetSession(State{Token: "tok"})

	err := m.Logout(context.Background(), false)
	if err == nil {
		t.Error("backend failure was swallowed")
	}
	if m.Current().Authenticated() {
		t.Error("local session survived a failed logout")
	}
	if _, ok := store.Get(sessionKey); ok {
		t.Error("persisted session survived a failed logout")
	}
}

func TestParseOAuthFragment(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		want     *OAuthTokens
	}{
		{
			"full fragment",
			"#access_token=at&refresh_token=rt&expires_in=3600&token_type=bearer",
			&OAuthTokens{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600},
		},
		{"no access token", "#refresh_token=rt", nil},
		{"empty", "", nil},
		{"garbage expires_in ignored", "#access_token=at&expires_in=soon", &OAuthTokens{AccessToken: "at"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOAuthFragment(tt.fragment)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ParseOAuthFragment(%q) = %+v, want %+v", tt.fragment, got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("ParseOAuthFragment(%q) = %+v, want %+v", tt.fragment, got, tt.want)
			}
		})
	}
}

func TestStripFragment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://app.example/#access_token=secret", "https://app.example/"},
		{"https://app.example/path?q=1#x=y", "https://app.example/path?q=1"},
		{"https://app.example/clean", "https://app.example/clean"},
	}
	for _, tt := range tests {
		if got := StripFragment(tt.in); got != tt.want {
			t.Errorf("StripFragment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandleRedirect_ExchangesFragmentTokens(t *testing.T) {
	var exchanged int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/session" {
			t.Errorf("path = %q", r.URL.Path)
		}
		atomic.AddInt32(&exchanged, 1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["access_token"] != "at" {
			t.Errorf("access_token = %v", body["access_token"])
		}
		exp := int64(1790000000)
		json.NewEncoder(w).Encode(sessionResponse{
			User:      &User{ID: "u-oauth", Email: "o@b.com"},
			Token:     "canonical",
			ExpiresAt: &exp,
		})
	}))
	defer srv.Close()

	m := NewSessionManager(NewMemStore(), NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()

	clean, err := m.HandleRedirect(context.Background(), "https://app.example/#access_token=at&refresh_token=rt&expires_in=3600")
	if err != nil {
		t.Fatalf("HandleRedirect() error = %v", err)
	}
	if clean != "https://app.example/" {
		t.Errorf("clean url = %q", clean)
	}
	if atomic.LoadInt32(&exchanged) != 1 {
		t.Fatalf("exchange called %d times", exchanged)
	}

	st := m.Current()
	if st.Token != "canonical" {
		t.Errorf("token = %q, want canonical session token", st.Token)
	}
	if st.RefreshToken != "rt" {
		t.Errorf("refresh = %q, want fragment fallback", st.RefreshToken)
	}
	if st.ExpiresAt != 1790000000*1000 {
		t.Errorf("expiresAt = %d, want seconds converted to millis", st.ExpiresAt)
	}
}

func TestHandleRedirect_NoFragmentNoExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called without oauth tokens")
	}))
	defer srv.Close()

	m := NewSessionManager(NewMemStore(), NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()

	for _, raw := range []string{
		"https://app.example/plain",
		"https://app.example/#not_tokens=1",
	} {
		clean, err := m.HandleRedirect(context.Background(), raw)
		if err != nil {
			t.Errorf("HandleRedirect(%q) error = %v", raw, err)
		}
		if clean != StripFragment(raw) {
			t.Errorf("HandleRedirect(%q) = %q", raw, clean)
		}
	}
	if m.Current().Authenticated() {
		t.Error("session set without tokens")
	}
}

func TestFinalizeOAuth_FallsBackToFragmentExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionResponse{Token: "canonical"})
	}))
	defer srv.Close()

	m := NewSessionManager(NewMemStore(), NewBackend(srv.URL))
	defer m.Close()
	m.Hydrate()

	before := time.Now().UnixMilli()
	if err := m.FinalizeOAuth(context.Background(), &OAuthTokens{AccessToken: "at", ExpiresIn: 3600}); err != nil {
		t.Fatalf("FinalizeOAuth() error = %v", err)
	}
	st := m.Current()
	if st.ExpiresAt < before+3600*1000 || st.ExpiresAt > before+3600*1000+2000 {
		t.Errorf("expiresAt = %d, want about now + 3600s", st.ExpiresAt)
	}
}

func TestFileStore_RoundTripAndCorruption(t *testing.T) {
	path := t.TempDir() + "/state.json"

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := s2.Get("k"); !ok || v != "v" {
		t.Errorf("reloaded value = %q, %v", v, ok)
	}

	if err := s2.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Get("k"); ok {
		t.Error("deleted key still present")
	}

	// A corrupted file starts over empty instead of failing the client.
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}
	s3, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("corrupted file rejected: %v", err)
	}
	if _, ok := s3.Get("k"); ok {
		t.Error("corrupted file yielded data")
	}
}
