package server

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// listAccounts reports one summary row per pooled account: identity, project
// binding, and whatever quota snapshots the tracker has collected for it (A6).
func (s *Server) listAccounts(c *gin.Context) {
	accounts := s.store.All()
	out := make([]gin.H, 0, len(accounts))
	for _, acc := range accounts {
		cred := acc.Snapshot()
		row := gin.H{
			"file":      filepath.Base(acc.FilePath()),
			"email":     cred.Email,
			"projectId": cred.ProjectID,
			"expiresAt": cred.ExpiryMs,
		}
		if s.tracker != nil {
			row["quota"] = s.tracker.SnapshotsForAccount(acc.Key())
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// deleteAccount removes one account file from the pool by its base filename.
func (s *Server) deleteAccount(c *gin.Context) {
	file := c.Param("file")
	if err := s.store.DeleteByFilename(file); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.Status(http.StatusNoContent)
}
