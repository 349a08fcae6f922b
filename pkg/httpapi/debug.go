package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDebugWorkers mirrors the teacher's debug handlers: a flat JSON
// dump of registry state for operators, distinct from the OpenAI-shaped
// /v1/models and the registration-facing /v1/workers list.
func (s *Server) handleDebugWorkers(c *gin.Context) {
	snaps := s.registry.ListWorkers()
	dtos := make([]workerDTO, len(snaps))
	for i, snap := range snaps {
		dtos[i] = toWorkerDTO(snap)
	}
	c.JSON(http.StatusOK, gin.H{"workers": dtos, "count": len(dtos)})
}

func (s *Server) handleDebugModels(c *gin.Context) {
	models := s.registry.AllAvailableModels()
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}
