package syncstream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/forkmeplease/powersync-service/internal/wire"
)

// wsUpgrader mirrors the teacher's apiserver/websocket.go upgrader: CORS
// is handled by a separate HTTP layer in front of this service, so the
// upgrade itself accepts any origin.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSSink is a Sink backed by a gorilla/websocket connection. One frame
// is written per WebSocket text message, newline-terminated to match
// the teacher's streaming-endpoint convention.
type WSSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// UpgradeSink upgrades an HTTP request to a WebSocket connection and
// wraps it as a Sink.
func UpgradeSink(w http.ResponseWriter, req *http.Request) (*WSSink, error) {
	conn, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, errors.Annotate(err, "upgrading sync stream connection")
	}
	return &WSSink{conn: conn}, nil
}

func (s *WSSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "encoding frame")
	}
	body = append(body, '\n')
	writer, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return errors.Annotate(err, "opening frame writer")
	}
	defer writer.Close()
	_, err = writer.Write(body)
	return errors.Trace(err)
}

func (s *WSSink) SendCheckpoint(f wire.CheckpointFrame) error {
	return s.writeJSON(map[string]any{"checkpoint": f})
}

func (s *WSSink) SendCheckpointDiff(f wire.CheckpointDiffFrame) error {
	return s.writeJSON(map[string]any{"checkpoint_diff": f})
}

func (s *WSSink) SendData(f wire.StreamingSyncData) error {
	return s.writeJSON(f)
}

func (s *WSSink) SendNullSentinel() error {
	return s.writeJSON(nil)
}

func (s *WSSink) SendCheckpointComplete(f wire.CheckpointCompleteFrame) error {
	return s.writeJSON(map[string]any{"checkpoint_complete": f})
}

func (s *WSSink) SendPartialCheckpointComplete(f wire.PartialCheckpointCompleteFrame) error {
	return s.writeJSON(map[string]any{"partial_checkpoint_complete": f})
}

// Close tears down the underlying connection.
func (s *WSSink) Close() error {
	return s.conn.Close()
}
