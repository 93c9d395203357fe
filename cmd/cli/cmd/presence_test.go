package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"buildplane/pkg/api"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
)

func TestHeartbeatCommand_Once(t *testing.T) {
	resetViper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/presence/heartbeat" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCLI(t, "heartbeat")

	if !strings.Contains(output, "Heartbeat sent") {
		t.Errorf("expected success message, got: %s", output)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 heartbeat, got %d", calls.Load())
	}
}

func TestHeartbeatCommand_Unauthorized(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Invalid API key", Code: "UNAUTHORIZED"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "bad-token")

	output := runCLI(t, "heartbeat", "--every", "1s")

	if !strings.Contains(output, "Heartbeat failed (401): Invalid API key") {
		t.Errorf("expected 401 message, got: %s", output)
	}
	if strings.Contains(output, "Heartbeat sent") {
		t.Errorf("unexpected success message: %s", output)
	}
}

func TestPresenceAuthCommand_Success(t *testing.T) {
	resetViper()

	expires := time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/presence/auth" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req api.PresenceAuthRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Channel != "presence-store.t1" || req.SocketID != "sock-1" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(api.PresenceAuthResponse{Auth: "signed.grant", Channel: req.Channel, ExpiresAt: expires})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCLI(t, "presence-auth", "presence-store.t1", "--socket-id", "sock-1")

	for _, want := range []string{"presence-store.t1", "signed.grant", "2026-01-01T12:10:00Z"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestPresenceAuthCommand_Forbidden(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Forbidden"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCLI(t, "presence-auth", "presence-store.other")

	if !strings.Contains(output, "Presence auth failed (403)") {
		t.Errorf("expected 403 message, got: %s", output)
	}
}

// streamServer serves one frame per realtime connection and records the query.
func streamServer(t *testing.T, frame string, queries chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /presence/auth", func(w http.ResponseWriter, r *http.Request) {
		var req api.PresenceAuthRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(api.PresenceAuthResponse{Auth: "grant-xyz", Channel: req.Channel, ExpiresAt: time.Now().Add(time.Minute)})
	})
	mux.HandleFunc("GET /realtime", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// Hold the stream open until the client hangs up.
		conn.ReadMessage()
	})
	return httptest.NewServer(mux)
}

func TestWatchCommand_Builds(t *testing.T) {
	resetViper()

	queries := make(chan string, 1)
	server := streamServer(t, `{"event":"build-progress"}`, queries)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCLI(t, "watch", "t1", "--count", "1")

	if !strings.Contains(output, "Watching store.t1.builds") {
		t.Errorf("expected topic in output, got: %s", output)
	}
	if !strings.Contains(output, `{"event":"build-progress"}`) {
		t.Errorf("expected frame in output, got: %s", output)
	}
	if q := <-queries; q != "topic=store.t1.builds" {
		t.Errorf("unexpected query %q", q)
	}
}

func TestWatchCommand_PresenceFetchesGrant(t *testing.T) {
	resetViper()

	queries := make(chan string, 1)
	server := streamServer(t, `{"event":"presence-changed"}`, queries)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCLI(t, "watch", "t1", "--presence", "--count", "1")

	if !strings.Contains(output, "Watching presence-store.t1") {
		t.Errorf("expected presence topic in output, got: %s", output)
	}
	if !strings.Contains(output, "presence-changed") {
		t.Errorf("expected frame in output, got: %s", output)
	}
	q := <-queries
	if !strings.Contains(q, "grant=grant-xyz") || !strings.Contains(q, "topic=presence-store.t1") {
		t.Errorf("unexpected query %q", q)
	}
}

func TestWatchCommand_HandshakeRejected(t *testing.T) {
	resetViper()

	queries := make(chan string, 1)
	server := streamServer(t, "", queries)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "wrong-token")

	output := runCLI(t, "watch", "t1", "--count", "1")

	if !strings.Contains(output, "Watch failed (401)") {
		t.Errorf("expected handshake failure, got: %s", output)
	}
}
