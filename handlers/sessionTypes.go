package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"buildappswith/models"
	"buildappswith/services/sessiontype"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
)

type sessionTypeHandlers struct {
	sessionTypes sessiontype.SessionTypeService
}

// list serves GET /api/session-types?builderId=. Inactive types are only
// shown to their builder with ?includeInactive=true.
func (h *sessionTypeHandlers) list(c *gin.Context) {
	builderID := c.Query("builderId")
	if builderID == "" {
		badRequest(c, errors.New("builderId query parameter is required"))
		return
	}
	callerID, _ := caller(c)
	includeInactive := callerID == builderID && c.Query("includeInactive") == "true"

	list, err := h.sessionTypes.ListByBuilder(c.Request.Context(), builderID, includeInactive)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.SessionType{}
	}
	c.JSON(http.StatusOK, gin.H{"sessionTypes": list})
}

func (h *sessionTypeHandlers) get(c *gin.Context) {
	st, err := h.sessionTypes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *sessionTypeHandlers) create(c *gin.Context) {
	var input sessiontype.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	builderID, _ := caller(c)
	st, err := h.sessionTypes.Create(c.Request.Context(), builderID, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// update requires the version the client last read, in the body or If-Match.
func (h *sessionTypeHandlers) update(c *gin.Context) {
	var input struct {
		sessiontype.Input
		Version int64 `json:"version"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if input.Version == 0 {
		if v, err := strconv.ParseInt(c.GetHeader("If-Match"), 10, 64); err == nil {
			input.Version = v
		}
	}
	if input.Version == 0 {
		badRequest(c, errors.New("version is required"))
		return
	}

	builderID, _ := caller(c)
	st, err := h.sessionTypes.Update(c.Request.Context(), builderID, c.Param("id"), input.Version, input.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *sessionTypeHandlers) deactivate(c *gin.Context) {
	builderID, _ := caller(c)
	st, err := h.sessionTypes.Deactivate(c.Request.Context(), builderID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// slots serves GET /api/session-types/:id/slots?from=&to= with RFC 3339 bounds.
func (h *sessionTypeHandlers) slots(c *gin.Context) {
	var rng models.DateRange
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.WriteError(c, http.StatusBadRequest, utils.ErrorResponse{
				Message: "Invalid " + p.name + " parameter",
				Details: "expected RFC 3339 timestamp",
				Code:    "VALIDATION_FAILED",
			})
			return
		}
		*p.dst = t
	}

	slots, err := h.sessionTypes.ListSlots(c.Request.Context(), c.Param("id"), rng)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots})
}
