package wire

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"relic/internal/object"
	"relic/internal/repo"
	"relic/internal/store"
	"relic/internal/testutil"
)

// chanConn is an in-memory Conn for driving both session roles inside
// one test.
type chanConn struct {
	in  chan []byte
	out chan []byte
}

func connPair() (client, server *chanConn) {
	a := make(chan []byte, 1024)
	b := make(chan []byte, 1024)
	return &chanConn{in: a, out: b}, &chanConn{in: b, out: a}
}

func (c *chanConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.out <- data
	return nil
}

func (c *chanConn) Recv(v any) error {
	data, ok := <-c.in
	if !ok {
		return io.EOF
	}
	return json.Unmarshal(data, v)
}

type testPeer struct {
	rep   *repo.Repository
	clock *testutil.StubClock
}

func newPeer(t *testing.T) *testPeer {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	clock := testutil.FixedClock()
	return &testPeer{rep: repo.New(st, dir, nil, clock), clock: clock}
}

func (p *testPeer) commit(t *testing.T, files map[string]string, message string) object.ID {
	t.Helper()
	testutil.WriteFiles(t, p.rep.Workspace(), files)
	id, _, err := p.rep.Commit("tester", message)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

// exchange runs one full sync session between the two peers.
func exchange(t *testing.T, client, server *testPeer) (clientStats, serverStats *Stats) {
	t.Helper()
	clientConn, serverConn := connPair()

	serverDone := make(chan error, 1)
	go func() {
		var err error
		serverStats, err = Serve(server.rep.Store(), serverConn, nil)
		serverDone <- err
	}()

	clientStats, err := Sync(client.rep.Store(), clientConn, nil)
	if err != nil {
		t.Fatalf("client sync: %v", err)
	}
	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server sync: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server session did not finish")
	}
	return clientStats, serverStats
}

func assertSameState(t *testing.T, a, b *testPeer) {
	t.Helper()
	for _, kind := range []object.Kind{object.KindBlob, object.KindTree, object.KindRecord} {
		ca, err := a.rep.Store().Count(kind)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		cb, err := b.rep.Store().Count(kind)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if ca != cb {
			t.Errorf("%s count diverged: %d vs %d", kind, ca, cb)
		}
	}
	ha, err := a.rep.Store().Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	hb, err := b.rep.Store().Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	switch {
	case ha == nil && hb == nil:
	case ha == nil || hb == nil || *ha != *hb:
		t.Errorf("heads diverged: %v vs %v", ha, hb)
	}
}

func TestSync(t *testing.T) {
	t.Parallel()

	t.Run("pulls everything from a populated server", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		server.commit(t, map[string]string{"a.txt": "one", "src/b.txt": "two"}, "first")
		server.clock.Advance(time.Minute)
		server.commit(t, map[string]string{"a.txt": "changed"}, "second")

		clientStats, _ := exchange(t, client, server)
		if clientStats.RecordsReceived != 2 {
			t.Errorf("got %d records, want 2", clientStats.RecordsReceived)
		}
		assertSameState(t, client, server)

		// The pulled head must be restorable.
		if _, _, err := client.rep.Checkout("", repo.CheckoutOptions{}); err != nil {
			t.Fatalf("Checkout after sync: %v", err)
		}
		want := map[string]string{"a.txt": "changed", "src/b.txt": "two"}
		if got := testutil.ReadFiles(t, client.rep.Workspace()); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("pushes everything to an empty server", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		client.commit(t, map[string]string{"a.txt": "local"}, "local work")

		_, serverStats := exchange(t, client, server)
		if serverStats.RecordsReceived != 1 {
			t.Errorf("server got %d records, want 1", serverStats.RecordsReceived)
		}
		assertSameState(t, client, server)
	})

	t.Run("converges a fork and picks the newest head", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		server.commit(t, map[string]string{"base.txt": "base"}, "base")
		exchange(t, client, server)

		server.clock.Advance(time.Hour)
		serverSide := server.commit(t, map[string]string{"server.txt": "s"}, "server work")
		client.clock.Advance(2 * time.Hour)
		clientSide := client.commit(t, map[string]string{"client.txt": "c"}, "client work")

		exchange(t, client, server)
		assertSameState(t, client, server)

		head, err := server.rep.Store().Head()
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		if head == nil || *head != clientSide {
			t.Errorf("got head %v, want the newer record %s", head, clientSide)
		}
		if !server.rep.Store().Exists(object.KindRecord, serverSide) {
			t.Error("server lost its own record")
		}
	})

	t.Run("older remote work does not move head", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		server.commit(t, map[string]string{"old.txt": "o"}, "older")

		client.clock.Advance(time.Hour)
		newest := client.commit(t, map[string]string{"new.txt": "n"}, "newer")

		exchange(t, client, server)
		head, err := client.rep.Store().Head()
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		if head == nil || *head != newest {
			t.Errorf("got head %v, want %s", head, newest)
		}
	})

	t.Run("repeat sync transfers nothing", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		server.commit(t, map[string]string{"a.txt": "one", "b.txt": "two"}, "first")
		exchange(t, client, server)

		clientStats, serverStats := exchange(t, client, server)
		zero := Stats{}
		if *clientStats != zero {
			t.Errorf("client re-transferred: %+v", clientStats)
		}
		if *serverStats != zero {
			t.Errorf("server re-transferred: %+v", serverStats)
		}
	})

	t.Run("shared subtrees cross the wire once", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		// Two records with an identical subdirectory.
		server.commit(t, map[string]string{"shared/lib.txt": "lib", "a.txt": "one"}, "first")
		server.clock.Advance(time.Minute)
		server.commit(t, map[string]string{"a.txt": "two"}, "second")

		clientStats, _ := exchange(t, client, server)
		trees, err := server.rep.Store().Count(object.KindTree)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if clientStats.TreesReceived != trees {
			t.Errorf("got %d trees, want %d", clientStats.TreesReceived, trees)
		}
	})

	t.Run("empty peers exchange nothing", func(t *testing.T) {
		t.Parallel()
		clientStats, serverStats := exchange(t, newPeer(t), newPeer(t))
		zero := Stats{}
		if *clientStats != zero || *serverStats != zero {
			t.Errorf("empty sync transferred: %+v / %+v", clientStats, serverStats)
		}
	})
}

func TestSyncRejectsCorruption(t *testing.T) {
	t.Parallel()

	t.Run("tampered record advertisement", func(t *testing.T) {
		t.Parallel()
		client := newPeer(t)
		clientConn, serverConn := connPair()

		go func() {
			var ads []RecordStatus
			bogus := RecordAd{ID: object.HashBytes([]byte("claimed")), Data: []byte(`{"author":"x"}`)}
			serverConn.Send([]RecordAd{bogus})
			serverConn.Recv(&ads)
		}()

		_, err := Sync(client.rep.Store(), clientConn, nil)
		if !errors.Is(err, store.ErrCorruptObject) {
			t.Errorf("got %v, want ErrCorruptObject", err)
		}
	})

	t.Run("tampered blob payload", func(t *testing.T) {
		t.Parallel()
		server := newPeer(t)
		client := newPeer(t)
		server.commit(t, map[string]string{"a.txt": "victim"}, "first")

		clientConn, serverConn := connPair()
		go func() {
			// Pass phases 1 and 2 through honestly, then corrupt the
			// single blob payload.
			st := server.rep.Store()
			s := newSession(st, serverConn, nil)
			s.phase = PhaseRecords
			ads, _ := s.localAds()
			serverConn.Send(ads)
			var statuses []RecordStatus
			serverConn.Recv(&statuses)
			var wanted []object.ID
			for _, rs := range statuses {
				wanted = append(wanted, rs.ID)
			}
			trees, _ := s.closures(wanted)
			serverConn.Send(trees)
			var inTrees []TreePacket
			serverConn.Recv(&inTrees)
			var blobStatuses []BlobStatus
			serverConn.Recv(&blobStatuses)
			serverConn.Send(BlobPacket{ID: blobStatuses[0].ID, Data: []byte("garbage")})
		}()

		_, err := Sync(client.rep.Store(), clientConn, nil)
		if !errors.Is(err, store.ErrCorruptObject) {
			t.Fatalf("got %v, want ErrCorruptObject", err)
		}
		if n, _ := client.rep.Store().Count(object.KindBlob); n != 0 {
			t.Errorf("corrupt blob was written")
		}
	})
}

func TestInterruptedSyncLeavesStoreValid(t *testing.T) {
	t.Parallel()

	server := newPeer(t)
	client := newPeer(t)
	server.commit(t, map[string]string{"a.txt": "one"}, "first")

	// Server disappears after phase 1: the channel closes and the
	// client fails mid-session.
	clientConn, serverConn := connPair()
	go func() {
		st := server.rep.Store()
		s := newSession(st, serverConn, nil)
		s.phase = PhaseRecords
		ads, _ := s.localAds()
		serverConn.Send(ads)
		var statuses []RecordStatus
		serverConn.Recv(&statuses)
		close(serverConn.out)
	}()

	if _, err := Sync(client.rep.Store(), clientConn, nil); err == nil {
		t.Fatal("expected the interrupted sync to fail")
	}

	// No record may exist without its closure: the store holds either
	// nothing or a fully restorable chain.
	records, err := client.rep.Store().RecordIDs()
	if err != nil {
		t.Fatalf("RecordIDs: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("interrupted sync left %d dangling records", len(records))
	}

	// A retried session completes and converges.
	exchange(t, client, server)
	assertSameState(t, client, server)
}
