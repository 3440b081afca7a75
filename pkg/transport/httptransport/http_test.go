package httptransport

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lafrpc/pkg/rpc"
)

func startTestServer(t *testing.T, rc *rpc.Rpc, path, rootDir string) (tr *Transport, addr string, cancel context.CancelFunc) {
	t.Helper()

	tr = New(rc, path, rootDir, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		go func() {
			for tr.Addr() == nil {
				time.Sleep(time.Millisecond)
			}
			close(started)
		}()
		_ = tr.StartServer(ctx, "http://127.0.0.1:0")
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("server never bound a listener")
	}

	return tr, "http://" + tr.Addr().String() + path, cancel
}

func TestUpgradeHandshakeAndDataExchange(t *testing.T) {
	rc := rpc.New()
	tr, addr, cancel := startTestServer(t, rc, "/rpc", "")
	defer cancel()
	defer tr.Close()

	ch, err := tr.Connect(context.Background(), addr, 0)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Close()

	if err := ch.Send([]byte("ping")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rc.Peer("http://" + ch.LocalAddr().String()); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never registered a peer for the upgraded channel")
}

func TestStaticFallbackServesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("static content"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	rc := rpc.New()
	tr, _, cancel := startTestServer(t, rc, "/rpc", dir)
	defer cancel()
	defer tr.Close()

	resp, err := http.Get("http://" + tr.Addr().String() + "/hello.txt")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "static content" {
		t.Fatalf("body = %q, want %q", body, "static content")
	}
}

func TestWrongPathReturns404(t *testing.T) {
	rc := rpc.New()
	tr, _, cancel := startTestServer(t, rc, "/rpc", "")
	defer cancel()
	defer tr.Close()

	req, err := http.NewRequest(http.MethodPost, "http://"+tr.Addr().String()+"/not-rpc", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", upgradeProtocol)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
