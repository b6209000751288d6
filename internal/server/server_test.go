package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relic/internal/auth"
	"relic/internal/object"
	"relic/internal/repo"
	"relic/internal/store"
	"relic/internal/testutil"
	"relic/internal/wire"
)

func hostedRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return repo.New(st, dir, nil, testutil.FixedClock())
}

func startServer(t *testing.T, st *store.Store, gate auth.Gate) string {
	t.Helper()
	ts := httptest.NewServer(New(st, gate, nil).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	url := startServer(t, hostedRepo(t).Store(), nil)
	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestSyncEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("full exchange over websocket", func(t *testing.T) {
		t.Parallel()
		hosted := hostedRepo(t)
		testutil.WriteFiles(t, hosted.Workspace(), map[string]string{"a.txt": "served"})
		if _, _, err := hosted.Commit("server", "first"); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		url := startServer(t, hosted.Store(), nil)

		clientDir := t.TempDir()
		clientStore, err := store.Init(clientDir, false)
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		conn, closeConn, err := wire.Dial(context.Background(), url, "", "")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer closeConn()

		stats, err := wire.Sync(clientStore, conn, nil)
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if stats.RecordsReceived != 1 {
			t.Errorf("got %d records, want 1", stats.RecordsReceived)
		}
		if n, _ := clientStore.Count(object.KindBlob); n != 1 {
			t.Errorf("got %d blobs, want 1", n)
		}
	})

	t.Run("rejects bad credentials before the upgrade", func(t *testing.T) {
		t.Parallel()
		gate := auth.StaticGate{Account: "alice", Password: "secret"}
		url := startServer(t, hostedRepo(t).Store(), gate)

		_, _, err := wire.Dial(context.Background(), url, "alice", "wrong")
		if !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("got %v, want ErrUnauthorized", err)
		}
	})

	t.Run("accepts configured credentials", func(t *testing.T) {
		t.Parallel()
		gate := auth.StaticGate{Account: "alice", Password: "secret"}
		url := startServer(t, hostedRepo(t).Store(), gate)

		conn, closeConn, err := wire.Dial(context.Background(), url, "alice", "secret")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer closeConn()

		clientStore, err := store.Init(t.TempDir(), false)
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if _, err := wire.Sync(clientStore, conn, nil); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	})

	t.Run("rejects a malformed authorization header", func(t *testing.T) {
		t.Parallel()
		url := startServer(t, hostedRepo(t).Store(), nil)

		req, err := http.NewRequest(http.MethodGet, url+"/sync", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Authorization", "Bearer nonsense")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /sync: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("got status %d, want 401", resp.StatusCode)
		}
	})

	t.Run("dial normalizes http urls", func(t *testing.T) {
		t.Parallel()
		url := startServer(t, hostedRepo(t).Store(), nil)
		if !strings.HasPrefix(url, "http://") {
			t.Fatalf("unexpected test server url %s", url)
		}
		conn, closeConn, err := wire.Dial(context.Background(), url+"/sync", "", "")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer closeConn()

		clientStore, err := store.Init(t.TempDir(), false)
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if _, err := wire.Sync(clientStore, conn, nil); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	})
}
