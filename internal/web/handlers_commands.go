// internal/web/handlers_commands.go
package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Favorites pin useful commands from the history so they can be re-run
// later; pinned entries are exempt from retention pruning.

func (s *Server) listFavoriteCommands(c *gin.Context) {
	entries, err := s.store.GetFavoriteHistory(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to list favorites")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"favorites": entries,
		"count":     len(entries),
	})
}

func (s *Server) toggleFavoriteCommand(c *gin.Context) {
	entry, err := s.store.ToggleHistoryFavorite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to toggle favorite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

func (s *Server) removeFavoriteCommand(c *gin.Context) {
	if _, err := s.store.SetHistoryFavorite(c.Request.Context(), c.Param("id"), false); err != nil {
		respondWithError(c, err, "Failed to remove favorite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Favorite removed"})
}
