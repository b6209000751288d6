package wire

import (
	"fmt"

	"github.com/google/uuid"

	"relic/internal/object"
	"relic/internal/repo"
	"relic/internal/store"
)

// Stats counts the objects a session transferred in each direction.
type Stats struct {
	RecordsSent     int
	RecordsReceived int
	TreesSent       int
	TreesReceived   int
	BlobsSent       int
	BlobsReceived   int
}

// session is one sync exchange over an established connection. The
// same struct drives both roles; only the direction of each phase
// differs.
type session struct {
	id     string
	st     *store.Store
	conn   Conn
	logger repo.Logger
	phase  Phase
	stats  Stats

	// received records, applied after their trees are durable
	incoming []receivedRecord
}

type receivedRecord struct {
	id     object.ID
	record *object.Record
}

func newSession(st *store.Store, conn Conn, logger repo.Logger) *session {
	if logger == nil {
		logger = repo.NewNopLogger()
	}
	return &session{
		id:     uuid.NewString(),
		st:     st,
		conn:   conn,
		logger: logger,
		phase:  Connecting,
	}
}

// advance moves the state machine forward, guarding against skipped
// or repeated phases.
func (s *session) advance(from, to Phase) error {
	if s.phase != from {
		return fmt.Errorf("protocol state %s, expected %s", s.phase, from)
	}
	s.phase = to
	s.logger.Debug("sync phase", "session", s.id, "phase", to.String())
	return nil
}

func (s *session) fail(err error) error {
	s.phase = Failed
	s.logger.Error("sync failed", "session", s.id, "error", err)
	return err
}

// Serve runs the server side of a sync session: advertise records,
// learn what the client wants and offers, stream trees and blobs, and
// finally store what the client pushed.
func Serve(st *store.Store, conn Conn, logger repo.Logger) (*Stats, error) {
	s := newSession(st, conn, logger)
	if err := s.serve(); err != nil {
		return &s.stats, s.fail(err)
	}
	s.phase = Done
	s.logger.Info("sync session complete",
		"session", s.id,
		"records_sent", s.stats.RecordsSent,
		"records_received", s.stats.RecordsReceived,
		"blobs_sent", s.stats.BlobsSent,
		"blobs_received", s.stats.BlobsReceived,
	)
	return &s.stats, nil
}

func (s *session) serve() error {
	// Phase 1: advertise every record; the reply tags what the
	// client wants (missing) and what it will push (new, with bytes).
	if err := s.advance(Connecting, PhaseRecords); err != nil {
		return err
	}
	ads, err := s.localAds()
	if err != nil {
		return err
	}
	if err := s.conn.Send(ads); err != nil {
		return err
	}
	var statuses []RecordStatus
	if err := s.conn.Recv(&statuses); err != nil {
		return err
	}
	var wanted []object.ID
	var pushed [][]byte
	for _, rs := range statuses {
		switch rs.Tag {
		case TagMissing:
			wanted = append(wanted, rs.ID)
		case TagNew:
			if object.HashBytes(rs.Data) != rs.ID {
				return fmt.Errorf("record %s: %w", rs.ID, store.ErrCorruptObject)
			}
			rec, err := object.DecodeRecord(rs.Data)
			if err != nil {
				return fmt.Errorf("record %s: %w", rs.ID, store.ErrCorruptObject)
			}
			pushed = append(pushed, rs.Data)
			s.incoming = append(s.incoming, receivedRecord{id: rs.ID, record: rec})
		default:
			return fmt.Errorf("unknown record tag %q", rs.Tag)
		}
	}
	s.stats.RecordsSent = len(wanted)
	s.stats.RecordsReceived = len(pushed)

	// Phase 2: send the tree closures of every wanted record, then
	// receive the client's closures and its blob statuses.
	if err := s.advance(PhaseRecords, PhaseTrees); err != nil {
		return err
	}
	outTrees, err := s.closures(wanted)
	if err != nil {
		return err
	}
	if err := s.conn.Send(outTrees); err != nil {
		return err
	}
	s.stats.TreesSent = len(outTrees)

	var inTrees []TreePacket
	if err := s.conn.Recv(&inTrees); err != nil {
		return err
	}
	s.stats.TreesReceived = len(inTrees)

	var blobStatuses []BlobStatus
	if err := s.conn.Recv(&blobStatuses); err != nil {
		return err
	}

	// Phase 3: stream wanted blobs, then collect pushed ones. Counts
	// are implied by the statuses; no extra framing messages.
	if err := s.advance(PhaseTrees, PhaseBlobs); err != nil {
		return err
	}
	var expect int
	for _, bs := range blobStatuses {
		switch bs.Tag {
		case TagMissing:
			raw, err := s.st.BlobBytes(bs.ID)
			if err != nil {
				return err
			}
			if err := s.conn.Send(BlobPacket{ID: bs.ID, Data: raw}); err != nil {
				return err
			}
			s.stats.BlobsSent++
		case TagNew:
			expect++
		default:
			return fmt.Errorf("unknown blob tag %q", bs.Tag)
		}
	}
	for i := 0; i < expect; i++ {
		var bp BlobPacket
		if err := s.conn.Recv(&bp); err != nil {
			return err
		}
		if err := s.st.PutBlobRaw(bp.ID, bp.Data); err != nil {
			return err
		}
		s.stats.BlobsReceived++
	}

	return s.apply(inTrees, pushed)
}

// Sync runs the client side of a sync session over an established
// connection.
func Sync(st *store.Store, conn Conn, logger repo.Logger) (*Stats, error) {
	s := newSession(st, conn, logger)
	if err := s.sync(); err != nil {
		return &s.stats, s.fail(err)
	}
	s.phase = Done
	s.logger.Info("sync complete",
		"session", s.id,
		"records_sent", s.stats.RecordsSent,
		"records_received", s.stats.RecordsReceived,
		"blobs_sent", s.stats.BlobsSent,
		"blobs_received", s.stats.BlobsReceived,
	)
	return &s.stats, nil
}

func (s *session) sync() error {
	// Phase 1: diff the server's advertisement against local records.
	if err := s.advance(Connecting, PhaseRecords); err != nil {
		return err
	}
	var ads []RecordAd
	if err := s.conn.Recv(&ads); err != nil {
		return err
	}
	advertised := make(map[object.ID]bool, len(ads))
	var missingData [][]byte
	for _, ad := range ads {
		advertised[ad.ID] = true
		if s.st.Exists(object.KindRecord, ad.ID) {
			continue
		}
		if object.HashBytes(ad.Data) != ad.ID {
			return fmt.Errorf("record %s: %w", ad.ID, store.ErrCorruptObject)
		}
		rec, err := object.DecodeRecord(ad.Data)
		if err != nil {
			return fmt.Errorf("record %s: %w", ad.ID, store.ErrCorruptObject)
		}
		missingData = append(missingData, ad.Data)
		s.incoming = append(s.incoming, receivedRecord{id: ad.ID, record: rec})
	}
	localIDs, err := s.st.RecordIDs()
	if err != nil {
		return err
	}
	var newLocal []object.ID
	for _, id := range localIDs {
		if !advertised[id] {
			newLocal = append(newLocal, id)
		}
	}

	statuses := make([]RecordStatus, 0, len(s.incoming)+len(newLocal))
	for _, in := range s.incoming {
		statuses = append(statuses, RecordStatus{ID: in.id, Tag: TagMissing})
	}
	for _, id := range newLocal {
		data, err := s.st.RecordBytes(id)
		if err != nil {
			return err
		}
		statuses = append(statuses, RecordStatus{ID: id, Tag: TagNew, Data: data})
	}
	if err := s.conn.Send(statuses); err != nil {
		return err
	}
	s.stats.RecordsReceived = len(s.incoming)
	s.stats.RecordsSent = len(newLocal)

	// Phase 2: receive the server's tree closures, send ours, and
	// tag blobs.
	if err := s.advance(PhaseRecords, PhaseTrees); err != nil {
		return err
	}
	var inTrees []TreePacket
	if err := s.conn.Recv(&inTrees); err != nil {
		return err
	}
	s.stats.TreesReceived = len(inTrees)

	outTrees, err := s.closures(newLocal)
	if err != nil {
		return err
	}
	if err := s.conn.Send(outTrees); err != nil {
		return err
	}
	s.stats.TreesSent = len(outTrees)

	serverRefs, err := blobRefs(inTrees)
	if err != nil {
		return err
	}
	serverHas := make(map[object.ID]bool, len(serverRefs))
	for _, id := range serverRefs {
		serverHas[id] = true
	}
	ownRefs, err := blobRefs(outTrees)
	if err != nil {
		return err
	}

	var blobStatuses []BlobStatus
	var wantBlobs, giveBlobs []object.ID
	for _, id := range serverRefs {
		if !s.st.Exists(object.KindBlob, id) {
			blobStatuses = append(blobStatuses, BlobStatus{ID: id, Tag: TagMissing})
			wantBlobs = append(wantBlobs, id)
		}
	}
	for _, id := range ownRefs {
		if !serverHas[id] && s.st.Exists(object.KindBlob, id) {
			blobStatuses = append(blobStatuses, BlobStatus{ID: id, Tag: TagNew})
			giveBlobs = append(giveBlobs, id)
		}
	}
	if err := s.conn.Send(blobStatuses); err != nil {
		return err
	}

	// Phase 3: receive wanted blobs, then push ours.
	if err := s.advance(PhaseTrees, PhaseBlobs); err != nil {
		return err
	}
	for range wantBlobs {
		var bp BlobPacket
		if err := s.conn.Recv(&bp); err != nil {
			return err
		}
		if err := s.st.PutBlobRaw(bp.ID, bp.Data); err != nil {
			return err
		}
		s.stats.BlobsReceived++
	}
	for _, id := range giveBlobs {
		raw, err := s.st.BlobBytes(id)
		if err != nil {
			return err
		}
		if err := s.conn.Send(BlobPacket{ID: id, Data: raw}); err != nil {
			return err
		}
		s.stats.BlobsSent++
	}

	return s.apply(inTrees, missingData)
}

// localAds builds the phase-1 advertisement from every local record.
func (s *session) localAds() ([]RecordAd, error) {
	ids, err := s.st.RecordIDs()
	if err != nil {
		return nil, err
	}
	ads := make([]RecordAd, 0, len(ids))
	for _, id := range ids {
		data, err := s.st.RecordBytes(id)
		if err != nil {
			return nil, err
		}
		rec, err := object.DecodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, store.ErrCorruptObject)
		}
		ads = append(ads, RecordAd{ID: id, Parent: rec.Parent, Data: data})
	}
	return ads, nil
}

// closures collects the tree closure of every listed record's root,
// deduplicated across the whole session so a shared subtree crosses
// the wire once.
func (s *session) closures(records []object.ID) ([]TreePacket, error) {
	seen := make(map[object.ID]bool)
	var out []TreePacket
	for _, rid := range records {
		rec, err := s.st.ReadRecord(rid)
		if err != nil {
			return nil, err
		}
		queue := []object.ID{rec.Root}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			data, err := s.st.TreeBytes(id)
			if err != nil {
				return nil, err
			}
			tree, err := object.DecodeTree(data)
			if err != nil {
				return nil, fmt.Errorf("tree %s: %w", id, store.ErrCorruptObject)
			}
			out = append(out, TreePacket{ID: id, Data: data})
			for _, e := range tree.Entries {
				if e.Kind == object.KindTree {
					queue = append(queue, e.ID)
				}
			}
		}
	}
	return out, nil
}

// blobRefs lists every blob a set of trees references, deduplicated,
// in first-reference order.
func blobRefs(packets []TreePacket) ([]object.ID, error) {
	seen := make(map[object.ID]bool)
	var refs []object.ID
	for _, p := range packets {
		tree, err := object.DecodeTree(p.Data)
		if err != nil {
			return nil, fmt.Errorf("tree %s: %w", p.ID, store.ErrCorruptObject)
		}
		for _, e := range tree.Entries {
			if e.Kind == object.KindBlob && !seen[e.ID] {
				seen[e.ID] = true
				refs = append(refs, e.ID)
			}
		}
	}
	return refs, nil
}

// apply makes the received objects durable in dependency order: trees
// child-first (their blobs already landed in phase 3), then records,
// then the HEAD policy. A tree is never written while a child is
// absent, so an interrupted session cannot leave a dangling reference.
func (s *session) apply(trees []TreePacket, records [][]byte) error {
	pending := make(map[object.ID]*object.Tree, len(trees))
	raw := make(map[object.ID][]byte, len(trees))
	for _, p := range trees {
		if s.st.Exists(object.KindTree, p.ID) {
			continue
		}
		if object.HashBytes(p.Data) != p.ID {
			return fmt.Errorf("tree %s: %w", p.ID, store.ErrCorruptObject)
		}
		tree, err := object.DecodeTree(p.Data)
		if err != nil {
			return fmt.Errorf("tree %s: %w", p.ID, store.ErrCorruptObject)
		}
		pending[p.ID] = tree
		raw[p.ID] = p.Data
	}

	for len(pending) > 0 {
		progressed := false
		for id, tree := range pending {
			ready := true
			for _, e := range tree.Entries {
				switch e.Kind {
				case object.KindTree:
					if s.st.Exists(object.KindTree, e.ID) {
						continue
					}
					if _, inBatch := pending[e.ID]; inBatch {
						ready = false
						continue
					}
					return fmt.Errorf("tree %s references absent tree %s: %w", id, e.ID, store.ErrObjectNotFound)
				case object.KindBlob:
					if !s.st.Exists(object.KindBlob, e.ID) {
						return fmt.Errorf("tree %s references absent blob %s: %w", id, e.ID, store.ErrObjectNotFound)
					}
				}
			}
			if !ready {
				continue
			}
			if err := s.st.PutTreeRaw(id, raw[id]); err != nil {
				return err
			}
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("tree closure is cyclic: %w", store.ErrCorruptObject)
		}
	}

	for _, data := range records {
		id := object.HashBytes(data)
		rec, err := object.DecodeRecord(data)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, store.ErrCorruptObject)
		}
		if !s.st.Exists(object.KindTree, rec.Root) {
			return fmt.Errorf("record %s references absent tree %s: %w", id, rec.Root, store.ErrObjectNotFound)
		}
		if err := s.st.PutRecordRaw(id, data); err != nil {
			return err
		}
	}

	return s.applyHeadPolicy()
}

// applyHeadPolicy resolves the session's HEAD: among the current HEAD
// record and everything received, the record with the latest wall
// clock timestamp wins. Equal timestamps keep the current HEAD.
func (s *session) applyHeadPolicy() error {
	best, err := s.st.Head()
	if err != nil {
		return err
	}
	var bestRec *object.Record
	if best != nil {
		bestRec, err = s.st.ReadRecord(*best)
		if err != nil {
			return err
		}
	}
	for i := range s.incoming {
		in := s.incoming[i]
		if bestRec == nil || in.record.Date.After(bestRec.Date) {
			best, bestRec = &in.id, in.record
		}
	}
	if best == nil {
		return nil
	}
	if err := s.st.SetHead(*best); err != nil {
		return err
	}
	s.logger.Debug("head resolved", "session", s.id, "head", best.Short())
	return nil
}
