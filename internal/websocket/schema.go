package websocket

import "github.com/stemsi/exstem-sat/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request carries every action; fields not used by an action are ignored.
// SelectedChoice null clears the answer.
type Request struct {
	Action         Action  `json:"action"`
	AssignmentID   string  `json:"assignment_id"`
	QuestionID     string  `json:"question_id,omitempty"`
	SelectedChoice *string `json:"selected_choice,omitempty"`
	IsFlagged      bool    `json:"is_flagged,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

type SavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

type SubmittedResponse struct {
	Event   Event               `json:"event"`
	Results *model.SubmitResult `json:"results"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
