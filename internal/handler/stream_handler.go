package handler

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/examroom-backend/internal/live"
	"github.com/stemsi/examroom-backend/internal/middleware"
	"github.com/stemsi/examroom-backend/internal/model"
	"github.com/stemsi/examroom-backend/internal/response"
	"github.com/stemsi/examroom-backend/internal/service"
	ws "github.com/stemsi/examroom-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler owns the live transports: SSE streams for participants
// and proctors, plus a WebSocket variant of the participant stream.
type StreamHandler struct {
	sessionService *service.SessionService
	hub            *live.Hub
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(sessionService *service.SessionService, hub *live.Hub, log zerolog.Logger, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		sessionService: sessionService,
		hub:            hub,
		log:            log.With().Str("component", "stream_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ParticipantStreamSSE godoc
// GET /api/v1/student/courses/:course_id/stream
// Enters the room and streams the participant's own session as SSE
// frames until the client disconnects or the session ends.
func (h *StreamHandler) ParticipantStreamSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	if _, err := h.sessionService.EnterRoom(c.Request.Context(), claims.UserID, courseID); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Enter room failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	setSSEHeaders(c)

	// Pushes arrive from hub goroutines; serialize writes to the
	// response body.
	var mu sync.Mutex
	push := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := c.Writer.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := c.Writer.Write(payload); err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	conn := h.hub.OnParticipantConnect(claims.UserID, courseID, push)
	defer conn.Close()

	h.log.Info().Int("user_id", claims.UserID).Int("course_id", courseID).Msg("Participant stream attached")

	select {
	case <-c.Request.Context().Done():
	case <-conn.Done():
	}
	h.log.Info().Int("user_id", claims.UserID).Int("course_id", courseID).Msg("Participant stream detached")
}

// ProctorStreamSSE godoc
// GET /api/v1/proctor/courses/:course_id/monitor
// Streams the de-duplicated course snapshot to the proctor as SSE
// frames.
func (h *StreamHandler) ProctorStreamSSE(c *gin.Context) {
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	setSSEHeaders(c)

	var mu sync.Mutex
	push := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := c.Writer.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := c.Writer.Write(payload); err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	conn := h.hub.OnProctorConnect(courseID, push)
	defer conn.Close()

	h.log.Info().Int("course_id", courseID).Msg("Proctor attached to live monitor")

	select {
	case <-c.Request.Context().Done():
	case <-conn.Done():
	}
	h.log.Info().Int("course_id", courseID).Msg("Proctor detached from live monitor")
}

// ParticipantStreamWS godoc
// WS /ws/v1/student/courses/:course_id/stream
// WebSocket variant of the participant stream. The server pushes the
// same sync frames; the client may send answer and flag actions inline
// instead of separate HTTP calls.
func (h *StreamHandler) ParticipantStreamWS(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	if _, err := h.sessionService.EnterRoom(c.Request.Context(), claims.UserID, courseID); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Enter room failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer wsConn.Close()

	// gorilla allows one concurrent writer; pushes and action replies
	// share the mutex.
	var mu sync.Mutex
	push := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return wsConn.WriteMessage(websocket.TextMessage, payload)
	}
	writeTyped := func(v interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if err := ws.WriteTyped(wsConn, v); err != nil {
			h.log.Debug().Err(err).Msg("WebSocket write failed")
		}
	}

	conn := h.hub.OnParticipantConnect(claims.UserID, courseID, push)
	defer conn.Close()

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Int("course_id", courseID).
		Logger()
	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(wsConn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer:
			req := model.RecordAnswerRequest{
				QuestionID:   msg.SoalID,
				Jawaban:      msg.Jawaban,
				Attempt:      msg.Attempt,
				WaktuTersisa: msg.WaktuTersisa,
			}
			if err := h.sessionService.RecordAnswer(c.Request.Context(), claims.UserID, courseID, req); err != nil {
				wsLog.Error().Err(err).Msg("Record answer failed")
				writeTyped(ws.ErrorResponse{Event: ws.EventError, Error: "save failed"})
				continue
			}
			writeTyped(ws.SuccessResponse{Event: ws.EventSuccess, Status: "saved"})

		case ws.ActionFlag:
			req := model.ToggleFlagRequest{
				QuestionID: msg.SoalID,
				Attempt:    msg.Attempt,
				Flag:       msg.Flag,
			}
			if err := h.sessionService.ToggleFlag(c.Request.Context(), claims.UserID, courseID, req); err != nil {
				wsLog.Error().Err(err).Msg("Toggle flag failed")
				writeTyped(ws.ErrorResponse{Event: ws.EventError, Error: "save failed"})
				continue
			}
			writeTyped(ws.SuccessResponse{Event: ws.EventSuccess, Status: "saved"})

		case ws.ActionPing:
			writeTyped(ws.PongResponse{Event: ws.EventPong})

		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			writeTyped(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(msg.Action)})
		}
	}
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}
