package sink

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{Hostname: "sink.test", Provider: NewInbox()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	greeting, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "220 sink.test") {
		t.Errorf("greeting: got %q", greeting)
	}
	if srv.Addr() != ln.Addr().String() {
		t.Errorf("Addr: got %q, want %q", srv.Addr(), ln.Addr().String())
	}
	if _, err := conn.Write([]byte("QUIT\r\n")); err != nil {
		t.Fatalf("failed to write QUIT: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Provider: NewInbox()})
	if srv.config.Hostname != "localhost" {
		t.Errorf("Hostname: got %q, want localhost", srv.config.Hostname)
	}
	if srv.config.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("MaxMessageSize: got %d, want %d", srv.config.MaxMessageSize, defaultMaxMessageSize)
	}
	if srv.auth.Enabled() {
		t.Error("auth should be disabled without credentials")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr before Serve: got %q, want empty", srv.Addr())
	}
}
