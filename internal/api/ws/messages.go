package ws

import (
	"time"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// Client message types
const (
	TypeEdit   = "edit"
	TypeApply  = "apply"
	TypeResize = "resize"
	TypePing   = "ping"
	TypeState  = "state"
)

// Server-only message types. Build lifecycle messages reuse the
// orchestrator's update kinds.
const (
	TypeSession = "session"
	TypePong    = "pong"
	TypeError   = "error"
)

// ClientMessage is anything the editor sends
type ClientMessage struct {
	Type string `json:"type"`

	// edit: a nil Content removes Path from the draft
	Path    string  `json:"path,omitempty"`
	Content *string `json:"content,omitempty"`

	// apply: replaces the draft when present
	Files map[string]string `json:"files,omitempty"`

	// resize
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// ServerMessage is anything sent to the editor
type ServerMessage struct {
	Type         string              `json:"type"`
	SessionID    string              `json:"session_id,omitempty"`
	Generation   types.Generation    `json:"generation,omitempty"`
	Status       types.BuildStatus   `json:"status,omitempty"`
	Diagnostics  []types.Diagnostic  `json:"diagnostics,omitempty"`
	Height       float64             `json:"height,omitempty"`
	ArtifactHash string              `json:"artifact_hash,omitempty"`
	HasChanges   *bool               `json:"has_changes,omitempty"`
	State        *orchestrator.State `json:"state,omitempty"`
	Message      string              `json:"message,omitempty"`
	Timestamp    int64               `json:"timestamp"`
}

func fromUpdate(u orchestrator.Update) ServerMessage {
	msg := ServerMessage{
		Type:        string(u.Kind),
		Generation:  u.Generation,
		Status:      u.Status,
		Diagnostics: u.Diagnostics,
		Height:      u.Height,
		Timestamp:   time.Now().Unix(),
	}
	if u.Artifact != nil {
		msg.ArtifactHash = u.Artifact.Hash
	}
	return msg
}

func errorMessage(text string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: text, Timestamp: time.Now().Unix()}
}
