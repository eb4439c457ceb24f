// internal/web/handlers_database.go
package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bastion/internal/dbproxy"
)

// proxyReady guards the database routes when no targets are configured.
func (s *Server) proxyReady(c *gin.Context) bool {
	if s.proxy == nil {
		respondError(c, http.StatusNotFound, "No database targets configured")
		return false
	}
	return true
}

func (s *Server) listDatabaseTargets(c *gin.Context) {
	if !s.proxyReady(c) {
		return
	}
	targets := s.proxy.Targets()
	c.JSON(http.StatusOK, gin.H{"targets": targets, "count": len(targets)})
}

func (s *Server) listDatabaseTables(c *gin.Context) {
	if !s.proxyReady(c) {
		return
	}

	tables, err := s.proxy.Tables(c.Request.Context(), c.Param("target"))
	if err != nil {
		respondWithError(c, err, "Failed to list tables")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables, "count": len(tables)})
}

func (s *Server) databaseTableRows(c *gin.Context) {
	if !s.proxyReady(c) {
		return
	}

	limit := queryLimit(c, 50)
	offset := 0
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	result, err := s.proxy.TableRows(c.Request.Context(), c.Param("target"), c.Param("name"), limit, offset)
	if err != nil {
		if errors.Is(err, dbproxy.ErrPolicyBlocked) {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		respondWithError(c, err, "Failed to read table")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type databaseQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) databaseQuery(c *gin.Context) {
	if !s.proxyReady(c) {
		return
	}

	var req databaseQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Query == "" {
		respondError(c, http.StatusBadRequest, "query is required")
		return
	}

	ctx := c.Request.Context()
	target := c.Param("target")

	result, err := s.proxy.Query(ctx, target, req.Query)
	if err != nil {
		if errors.Is(err, dbproxy.ErrPolicyBlocked) {
			// The only audited read path: somebody tried to write.
			s.audit.Failure(ctx, actor(c), "query.denied", target, req.Query)
		}
		respondWithError(c, err, "Query failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) databaseStats(c *gin.Context) {
	if !s.proxyReady(c) {
		return
	}

	stats, err := s.proxy.Stats(c.Request.Context(), c.Param("target"))
	if err != nil {
		respondWithError(c, err, "Failed to get target stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
