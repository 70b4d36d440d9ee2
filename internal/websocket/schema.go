package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionFlag   Action = "flag"
	ActionPing   Action = "ping"
)

// RequestPayload is the flat client message. Which fields matter
// depends on the action.
type RequestPayload struct {
	Action       Action `json:"action"`
	SoalID       int    `json:"soal_id,omitempty"`
	Jawaban      string `json:"jawaban,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	WaktuTersisa *int   `json:"waktu_tersisa,omitempty"`
	Flag         bool   `json:"flag,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSuccess Event = "success"
	EventPong    Event = "pong"
)

type SuccessResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
