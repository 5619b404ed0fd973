package httpapi

import "github.com/gin-gonic/gin"

// ReadyCheck probes downstream dependencies (database, broker) and
// reports the first failure, if any.
type ReadyCheck func() error

type HealthHandler struct {
	ready ReadyCheck
}

func NewHealthHandler(ready ReadyCheck) *HealthHandler {
	return &HealthHandler{ready: ready}
}

func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(200, gin.H{"status": "ok"})
}

func (h *HealthHandler) Readyz(ctx *gin.Context) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			ctx.JSON(503, gin.H{"status": "not_ready", "reason": err.Error()})
			return
		}
	}
	ctx.JSON(200, gin.H{"status": "ready"})
}
