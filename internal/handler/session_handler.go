package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/examroom-backend/internal/live"
	"github.com/stemsi/examroom-backend/internal/middleware"
	"github.com/stemsi/examroom-backend/internal/model"
	"github.com/stemsi/examroom-backend/internal/response"
	"github.com/stemsi/examroom-backend/internal/service"
	"github.com/stemsi/examroom-backend/internal/validator"
)

// SessionHandler exposes the exam session operations over HTTP.
type SessionHandler struct {
	accessService  *service.AccessService
	sessionService *service.SessionService
	authService    *service.AuthService
	registry       *live.Registry
	hub            *live.Hub
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	accessService *service.AccessService,
	sessionService *service.SessionService,
	authService *service.AuthService,
	registry *live.Registry,
	hub *live.Hub,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		accessService:  accessService,
		sessionService: sessionService,
		authService:    authService,
		registry:       registry,
		hub:            hub,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// Permission godoc
// GET /api/v1/student/courses/:course_id/permission
// Evaluates the entry gate for the caller. A denial is a 200 with
// allowed=false and the reason; only infrastructure failures are errors.
func (h *SessionHandler) Permission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	decision, err := h.accessService.Check(c.Request.Context(), claims.UserID, courseID)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Permission check failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, decision)
}

// EnterRoom godoc
// POST /api/v1/student/courses/:course_id/enter
// Registers presence in the waiting room and returns the rehydrated
// session. An in-progress attempt resumes with its saved countdown.
func (h *SessionHandler) EnterRoom(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	sess, err := h.sessionService.EnterRoom(c.Request.Context(), claims.UserID, courseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		if errors.Is(err, service.ErrSessionNotActive) {
			response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
			return
		}
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Enter room failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, sess)
}

// Start godoc
// POST /api/v1/student/courses/:course_id/start
// Re-checks the entry gate, then starts (or restarts) the attempt with
// a full countdown.
func (h *SessionHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	decision, err := h.accessService.Check(c.Request.Context(), claims.UserID, courseID)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Permission check failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if !decision.Allowed {
		response.FailWithMessage(c, http.StatusForbidden, response.ErrExamNotAvailable, decision.Message)
		return
	}

	result, err := h.sessionService.Start(c.Request.Context(), claims.UserID, courseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		if errors.Is(err, service.ErrSessionNotActive) {
			response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
			return
		}
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Start exam failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// RecordAnswer godoc
// POST /api/v1/student/courses/:course_id/answers
// Saves one answer and mirrors it into the live session.
func (h *SessionHandler) RecordAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.RecordAnswer(c.Request.Context(), claims.UserID, courseID, req); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Record answer failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// ToggleFlag godoc
// POST /api/v1/student/courses/:course_id/flag
// Marks or unmarks a question as doubtful.
func (h *SessionHandler) ToggleFlag(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	var req model.ToggleFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.ToggleFlag(c.Request.Context(), claims.UserID, courseID, req); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Toggle flag failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Finish godoc
// POST /api/v1/student/courses/:course_id/finish
// Completes the attempt. Rejected while questions remain unanswered or
// when no session is in progress.
func (h *SessionHandler) Finish(c *gin.Context) {
	claims := middleware.GetClaims(c)
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	result, err := h.sessionService.Finish(c.Request.Context(), claims.UserID, courseID)
	if err != nil {
		var unanswered *service.UnansweredError
		if errors.As(err, &unanswered) {
			response.FailWithMessage(c, http.StatusConflict, response.ErrUnansweredQuestions,
				fmt.Sprintf("Masih ada %d soal yang belum dijawab", unanswered.Unanswered()))
			return
		}
		if errors.Is(err, service.ErrSessionNotActive) {
			response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
			return
		}
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Finish exam failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// LiveList godoc
// GET /api/v1/proctor/courses/:course_id/live
// Returns the current course snapshot as plain JSON, for proctor UIs
// that poll instead of streaming.
func (h *SessionHandler) LiveList(c *gin.Context) {
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	entries := h.registry.ListByCourse(courseID)
	for i := range entries {
		entries[i].IsOnline = h.hub.IsOnline(entries[i].ParticipantID)
	}
	if entries == nil {
		entries = []live.CourseEntry{}
	}

	response.Success(c, http.StatusOK, entries)
}

// Reset godoc
// POST /api/v1/proctor/courses/:course_id/reset
// Wipes exam state for the course, or one participant when user_id is
// given. Also releases the participant's single-device login session.
func (h *SessionHandler) Reset(c *gin.Context) {
	courseID, ok := parseCourseID(c)
	if !ok {
		return
	}

	var req model.ResetRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.Reset(c.Request.Context(), courseID, req.UserID); err != nil {
		h.log.Error().Err(err).Int("course_id", courseID).Msg("Reset failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if req.UserID != nil {
		if err := h.authService.ResetStudentSession(c.Request.Context(), *req.UserID); err != nil {
			h.log.Warn().Err(err).Int("user_id", *req.UserID).Msg("Release login session failed")
		}
	}

	response.Success(c, http.StatusOK, gin.H{"status": "reset"})
}

// parseCourseID parses the :course_id path param, failing the request
// on a malformed value.
func parseCourseID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("course_id"))
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return id, true
}
