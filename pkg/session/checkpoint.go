package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// Checkpoint is the agent state persisted at a turn boundary. Replaying from
// a checkpoint is deterministic given the same model outputs.
type Checkpoint struct {
	SessionID string                `json:"session_id"`
	Turn      int                   `json:"turn"`
	Node      string                `json:"node"`
	State     *state.FrameworkState `json:"state"`
	Pager     paging.Snapshot       `json:"pager"`
}

// Checkpointer persists checkpoints between turns.
type Checkpointer interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
}

// FileCheckpointer writes one JSON file per session, overwritten each turn.
type FileCheckpointer struct {
	dir string
}

// NewFileCheckpointer builds a checkpointer rooted at dir, creating it if
// needed.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, protocol.WrapError(protocol.KindIOFailure, dir, err)
	}
	return &FileCheckpointer{dir: dir}, nil
}

func (f *FileCheckpointer) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".json")
}

// Save atomically replaces the session's checkpoint file.
func (f *FileCheckpointer) Save(_ context.Context, cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return protocol.WrapError(protocol.KindIOFailure, cp.SessionID, err)
	}

	tmp := f.path(cp.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return protocol.WrapError(protocol.KindIOFailure, tmp, err)
	}
	if err := os.Rename(tmp, f.path(cp.SessionID)); err != nil {
		return protocol.WrapError(protocol.KindIOFailure, cp.SessionID, err)
	}
	return nil
}

// Load reads the latest checkpoint for a session.
func (f *FileCheckpointer) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, sessionID, "no checkpoint on disk")
		}
		return nil, protocol.WrapError(protocol.KindIOFailure, sessionID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, protocol.WrapError(protocol.KindIOFailure, sessionID, err)
	}
	return &cp, nil
}
