package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/model"
)

type scheduleRequest struct {
	ID           string                `json:"id" binding:"omitempty,max=64"`
	CourseID     string                `json:"course_id" binding:"required"`
	InstructorID string                `json:"instructor_id"`
	Date         string                `json:"date" binding:"required"`
	Start        string                `json:"start" binding:"required"`
	End          string                `json:"end" binding:"required"`
	Method       model.Method          `json:"method" binding:"required,oneof=token geofence network"`
	Geofence     *model.GeofenceConfig `json:"geofence"`
	Network      *model.NetworkConfig  `json:"network"`
}

// ScheduleSession handles POST /v1/sessions. Instructors always schedule
// for themselves.
func (h *Handler) ScheduleSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	instructor := req.InstructorID
	if claims.Role == auth.RoleInstructor || instructor == "" {
		instructor = claims.Subject
	}

	s, err := h.svc.Schedule(c.Request.Context(), attendance.ScheduleRequest{
		ID:           req.ID,
		CourseID:     req.CourseID,
		InstructorID: instructor,
		Date:         req.Date,
		Start:        req.Start,
		End:          req.End,
		Method:       req.Method,
		Geofence:     req.Geofence,
		Network:      req.Network,
	})
	if err != nil {
		h.fail(c, err, "schedule session")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// ownedSession loads :id and checks that an instructor caller teaches it.
func (h *Handler) ownedSession(c *gin.Context) (*model.Session, bool) {
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "load session")
		return nil, false
	}
	if claims.Role == auth.RoleInstructor && s.InstructorID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
		return nil, false
	}
	return s, true
}

func (h *Handler) tokenSession(c *gin.Context) (*model.Session, bool) {
	s, ok := h.ownedSession(c)
	if !ok {
		return nil, false
	}
	if s.Method != model.MethodToken {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("session uses %s, not tokens", s.Method)})
		return nil, false
	}
	return s, true
}

// CurrentToken handles GET /v1/sessions/:id/token for the classroom display.
func (h *Handler) CurrentToken(c *gin.Context) {
	s, ok := h.tokenSession(c)
	if !ok {
		return
	}
	now := h.now()
	if !s.Active || s.Closed(now) {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not accepting check-ins"})
		return
	}
	tok, err := h.rotator.Current(c.Request.Context(), s, now)
	if err != nil {
		h.fail(c, err, "current token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "interval_seconds": h.rotator.Interval().Seconds()})
}

// RotateToken handles POST /v1/sessions/:id/token/rotate.
func (h *Handler) RotateToken(c *gin.Context) {
	s, ok := h.tokenSession(c)
	if !ok {
		return
	}
	tok, err := h.rotator.Rotate(c.Request.Context(), s, h.now())
	if err != nil {
		h.fail(c, err, "rotate token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// TokenHistory handles GET /v1/sessions/:id/token/history.
func (h *Handler) TokenHistory(c *gin.Context) {
	s, ok := h.tokenSession(c)
	if !ok {
		return
	}
	tokens, err := h.rotator.Audit(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, err, "token history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// Finalize handles POST /v1/sessions/:id/finalize.
func (h *Handler) Finalize(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	n, err := h.svc.Finalize(c.Request.Context(), s.ID, h.now())
	if err != nil {
		h.fail(c, err, "finalize")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "absences": n})
}

// SessionAttendance handles GET /v1/sessions/:id/attendance.
func (h *Handler) SessionAttendance(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	recs, err := h.svc.SessionRecords(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, err, "list attendance")
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "records": recs})
}

type overrideRequest struct {
	Status model.Status `json:"status" binding:"required,oneof=present late absent"`
	Reason string       `json:"reason" binding:"max=500"`
}

// Override handles PUT /v1/sessions/:id/attendance/:student_id.
func (h *Handler) Override(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := h.svc.Override(c.Request.Context(), attendance.OverrideRequest{
		SessionID: s.ID,
		StudentID: c.Param("student_id"),
		Status:    req.Status,
		ActorID:   claims.Subject,
		Reason:    req.Reason,
	}, h.now())
	if err != nil {
		h.fail(c, err, "override")
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}
