package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/services"
)

// Handlers serves the operator REST surface.
type Handlers struct {
	service *services.OperatorService
}

// NewHandlers constructs Handlers.
func NewHandlers(service *services.OperatorService) *Handlers {
	return &Handlers{service: service}
}

// ListIncidents handles GET /incidents.
func (h *Handlers) ListIncidents(c *gin.Context) {
	var req models.ListIncidentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	incidents := h.service.ListIncidents(c.Request.Context(), req)
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// GetIncident handles GET /incidents/:id.
func (h *Handlers) GetIncident(c *gin.Context) {
	inc, err := h.service.GetIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// Events handles GET /incidents/:id/events.
func (h *Handlers) Events(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": c.Param("id"), "events": events, "count": len(events)})
}

// Abandon handles POST /incidents/:id/abandon. The body is optional.
func (h *Handlers) Abandon(c *gin.Context) {
	var req models.AbandonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	req.IncidentID = c.Param("id")
	inc, err := h.service.Abandon(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// ForceStrategy handles POST /incidents/:id/force.
func (h *Handlers) ForceStrategy(c *gin.Context) {
	var req models.ForceStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IncidentID = c.Param("id")
	inc, err := h.service.ForceStrategy(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inc)
}

// Acknowledge handles POST /incidents/:id/acknowledge.
func (h *Handlers) Acknowledge(c *gin.Context) {
	inc, err := h.service.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inc)
}

// Close handles POST /incidents/:id/close.
func (h *Handlers) Close(c *gin.Context) {
	inc, err := h.service.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// SimilarIncidents handles GET /incidents/:id/similar.
func (h *Handlers) SimilarIncidents(c *gin.Context) {
	var req models.SimilarIncidentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IncidentID = c.Param("id")
	similar, err := h.service.SimilarIncidents(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": similar})
}

// ResumeAutomation handles POST /automation/resume.
func (h *Handlers) ResumeAutomation(c *gin.Context) {
	resumed, err := h.service.ResumeAutomation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed, "status": h.service.Status(c.Request.Context())})
}

// PauseAutomation handles POST /automation/pause.
func (h *Handlers) PauseAutomation(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.PauseAutomation(c.Request.Context()))
}

// Status handles GET /status.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status(c.Request.Context()))
}

// Breakers handles GET /breakers.
func (h *Handlers) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.service.Breakers(c.Request.Context())})
}

// ListCheckpoints handles GET /checkpoints?target=.
func (h *Handlers) ListCheckpoints(c *gin.Context) {
	snaps, err := h.service.Checkpoints(c.Request.Context(), c.Query("target"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": snaps})
}

// TakeCheckpoint handles POST /checkpoints.
func (h *Handlers) TakeCheckpoint(c *gin.Context) {
	var req models.CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.service.TakeCheckpoint(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// Learning handles GET /learning.
func (h *Handlers) Learning(c *gin.Context) {
	report, err := h.service.Learning(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func writeError(c *gin.Context, err error) {
	st := status.Convert(err)
	c.JSON(httpStatus(st.Code()), gin.H{"error": st.Message(), "code": st.Code().String()})
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
