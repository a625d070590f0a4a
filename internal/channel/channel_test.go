package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSecret = "test-shared-secret"

func TestClientAuthenticatesAndRegisters(t *testing.T) {
	var upgrader websocket.Upgrader
	serverDone := make(chan struct{})
	var serverErr error

	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(serverDone)

		var authMsg Message
		if err := conn.ReadJSON(&authMsg); err != nil {
			serverErr = fmt.Errorf("read auth: %w", err)
			return
		}
		if authMsg.Type != TypeAuth {
			serverErr = fmt.Errorf("expected auth message, got %q", authMsg.Type)
			return
		}

		var req AuthRequest
		if err := authMsg.Decode(&req); err != nil {
			serverErr = fmt.Errorf("decode auth: %w", err)
			return
		}

		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte(fmt.Sprintf("%s:%s:%s", req.AgentID, req.Timestamp, req.Nonce)))
		want := hex.EncodeToString(mac.Sum(nil))
		if req.Signature != want {
			serverErr = fmt.Errorf("signature mismatch: got %q want %q", req.Signature, want)
		}

		authResp, _ := NewMessage(TypeAuthResponse, AuthResponseData{Success: true, Token: "tok", SessionID: "sess-1"})
		authResp.ID = authMsg.ID
		if err := conn.WriteJSON(authResp); err != nil {
			serverErr = fmt.Errorf("write auth response: %w", err)
			return
		}

		var regMsg Message
		if err := conn.ReadJSON(&regMsg); err != nil {
			serverErr = fmt.Errorf("read register: %w", err)
			return
		}
		if regMsg.Type != TypeAgentRegister {
			serverErr = fmt.Errorf("expected agent_register, got %q", regMsg.Type)
			return
		}
		var reg RegisterData
		if err := regMsg.Decode(&reg); err != nil {
			serverErr = fmt.Errorf("decode register: %w", err)
			return
		}
		if len(reg.Capabilities) != 2 {
			serverErr = fmt.Errorf("expected 2 capabilities, got %d", len(reg.Capabilities))
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	client := New(Config{
		ServerURL:            wsURL(srv.URL),
		AgentID:              "agent-1",
		SharedSecret:         testSecret,
		AgentVersion:         "1.0.0",
		Capabilities:         []string{"tcp", "http"},
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     time.Hour,
		MaxReconnectAttempts: 1,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go client.Run(ctx)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	if serverErr != nil {
		t.Fatal(serverErr)
	}
}

func TestSendWithoutConnectionFails(t *testing.T) {
	client := New(Config{ServerURL: "ws://unused"}, zap.NewNop())
	if err := client.Send(Message{Type: "x"}); err != ErrNotConnected {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestConnectedReportsFalseBeforeRun(t *testing.T) {
	client := New(Config{ServerURL: "ws://unused"}, zap.NewNop())
	if client.Connected() {
		t.Fatal("expected Connected() to be false before Run")
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
