package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"classattend/internal/auth"
	"classattend/internal/model"
)

type checkInRequest struct {
	SessionID string       `json:"session_id" binding:"required"`
	Method    model.Method `json:"method" binding:"required,oneof=token geofence network"`
	Token     string       `json:"token" binding:"omitempty,max=128"`
	Latitude  *float64     `json:"latitude"`
	Longitude *float64     `json:"longitude"`
	FixID     string       `json:"fix_id" binding:"omitempty,max=128"`
}

// CheckIn handles POST /v1/checkins. The student is the token subject and
// the network origin is the request's client IP.
func (h *Handler) CheckIn(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)

	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ev := model.Evidence{
		Method:    req.Method,
		Token:     req.Token,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		FixID:     req.FixID,
		Address:   c.ClientIP(),
	}

	ctx := c.Request.Context()
	rec, err := h.svc.CheckIn(ctx, claims.Subject, req.SessionID, ev, h.now())
	if errors.Is(err, model.ErrAlreadyRecorded) {
		existing, lookupErr := h.svc.Record(ctx, req.SessionID, claims.Subject)
		if lookupErr != nil || existing == nil {
			h.fail(c, err, "check-in")
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": existing, "already_recorded": true})
		return
	}
	if err != nil {
		h.fail(c, err, "check-in")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec, "already_recorded": false})
}
