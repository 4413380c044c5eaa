package webbridge

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rhythmsession/server/internal/federation"
)

// livenessResponse and readinessResponse mirror the teacher's health
// handler response shapes, minus the SFU/gRPC check this domain has no
// equivalent of: federation peer reachability substitutes for it below.
type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// liveness always reports alive once the process can answer HTTP at all.
func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness always answers 200 with status "ready"; the sessions check is
// always reported healthy. When federation is enabled, its check reads
// "degraded" if peers are known but none is online; that does not change
// the overall status.
func (s *Server) readiness(c *gin.Context) {
	checks := map[string]string{"sessions": "healthy"}

	if s.fed != nil {
		_, peers := s.fed.PublicStatus()
		status := "healthy"
		if len(peers) > 0 && !anyPeerOnline(peers) {
			status = "degraded"
		}
		checks["federation"] = status
	}

	c.JSON(http.StatusOK, readinessResponse{
		Status:    "ready",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func anyPeerOnline(peers []federation.PeerView) bool {
	for _, p := range peers {
		if p.Status == "online" {
			return true
		}
	}
	return false
}
