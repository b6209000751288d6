// Package wire implements the synchronization protocol: a three-phase
// exchange over one persistent message stream that reconciles two
// object stores by transferring only the objects one side lacks.
//
// Phases are strictly sequential and never pipelined across each
// other; the session is an explicit state machine
// (Connecting → PhaseRecords → PhaseTrees → PhaseBlobs → Done/Failed).
// Reconciliation is additive-only: a broken connection leaves both
// stores valid, just missing some reachable objects, and a retried
// session completes without re-transferring what already arrived.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"relic/internal/object"
)

// Phase is one state of the sync session.
type Phase int

const (
	Connecting Phase = iota
	PhaseRecords
	PhaseTrees
	PhaseBlobs
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case PhaseRecords:
		return "records"
	case PhaseTrees:
		return "trees"
	case PhaseBlobs:
		return "blobs"
	case Done:
		return "done"
	default:
		return "failed"
	}
}

// Tag classifies an object during reconciliation: "missing" means the
// client wants it from the server, "new" means the client has it and
// the server lacks it.
type Tag string

const (
	TagMissing Tag = "missing"
	TagNew     Tag = "new"
)

// RecordAd advertises one server record in phase 1: its id, its
// parent id (enough to reconstruct the chain), and its canonical
// bytes so the receiver can materialize it.
type RecordAd struct {
	ID     object.ID  `json:"id"`
	Parent *object.ID `json:"parent,omitempty"`
	Data   []byte     `json:"data"`
}

// RecordStatus is one entry of the phase-1 reply. Entries tagged new
// carry the client record's canonical bytes.
type RecordStatus struct {
	ID   object.ID `json:"id"`
	Tag  Tag       `json:"tag"`
	Data []byte    `json:"data,omitempty"`
}

// TreePacket carries one tree's canonical bytes in phase 2.
type TreePacket struct {
	ID   object.ID `json:"id"`
	Data []byte    `json:"data"`
}

// BlobStatus is one entry of the phase-2 reply tagging a blob either
// missing or new.
type BlobStatus struct {
	ID  object.ID `json:"id"`
	Tag Tag       `json:"tag"`
}

// BlobPacket carries one blob's stored (compressed) bytes in phase 3.
// The receiver decompresses and re-hashes before writing.
type BlobPacket struct {
	ID   object.ID `json:"id"`
	Data []byte    `json:"data"`
}

// Conn is one ordered, bidirectional message stream. Messages are
// JSON-encoded values; the underlying transport provides framing.
type Conn interface {
	Send(v any) error
	Recv(v any) error
}

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	ws *websocket.Conn
}

// NewConn wraps a websocket connection.
func NewConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("receiving message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
