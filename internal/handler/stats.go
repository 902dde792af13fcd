package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/analytics"
	"classattend/internal/auth"
	"classattend/internal/model"
)

// Stats handles GET /v1/stats. from and to accept a civil date in the
// canonical zone (to covers the whole day) or an RFC 3339 instant.
// Instructors only see their own sessions.
func (h *Handler) Stats(c *gin.Context) {
	f := analytics.Filter{
		SessionID:  c.Query("session_id"),
		CourseID:   c.Query("course_id"),
		Department: c.Query("department"),
		StudentID:  c.Query("student_id"),
	}
	if claims, _ := auth.ClaimsFrom(c); claims.Role == auth.RoleInstructor {
		f.InstructorID = claims.Subject
		if f.SessionID != "" {
			s, err := h.svc.Session(c.Request.Context(), f.SessionID)
			if err == nil && s.InstructorID != claims.Subject {
				c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
				return
			}
		}
	}
	var err error
	if f.From, err = h.parseBound(c.Query("from"), false); err != nil {
		badRequest(c, err)
		return
	}
	if f.To, err = h.parseBound(c.Query("to"), true); err != nil {
		badRequest(c, err)
		return
	}

	rep, err := h.stats.Stats(c.Request.Context(), f, h.now())
	if err != nil {
		h.fail(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) parseBound(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(model.DateLayout, v, h.svc.Zone()); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time bound %q: want YYYY-MM-DD or RFC 3339", v)
	}
	return t, nil
}
