// internal/web/handlers_servers.go
package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bastion/internal/database"
)

type serverRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthType   string `json:"auth_type"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	IsDefault  bool   `json:"is_default"`
}

func (r *serverRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Host == "" {
		return fmt.Errorf("host is required")
	}
	if r.Username == "" {
		return fmt.Errorf("username is required")
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	switch r.AuthType {
	case "", "password", "key":
	default:
		return fmt.Errorf("auth_type must be password or key")
	}
	return nil
}

// buildServer turns a validated request into a Server with encrypted
// credential material. Plaintext never reaches the store.
func (s *Server) buildServer(req *serverRequest) (*database.Server, error) {
	server := &database.Server{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		AuthType:  req.AuthType,
		IsDefault: req.IsDefault,
		Status:    "unknown",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if server.Port == 0 {
		server.Port = 22
	}
	if server.AuthType == "" {
		server.AuthType = "password"
	}

	if req.Password != "" {
		enc, err := s.enc.Encrypt(req.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
		server.EncryptedPassword = enc
	}
	if req.PrivateKey != "" {
		enc, err := s.enc.Encrypt(req.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt private key: %w", err)
		}
		server.EncryptedKey = enc
	}
	return server, nil
}

func (s *Server) createServer(c *gin.Context) {
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	port := req.Port
	if port == 0 {
		port = 22
	}
	if existing, err := s.store.FindServerByEndpoint(ctx, req.Host, port, req.Username); err == nil && existing != nil {
		respondError(c, http.StatusConflict, "A server with this host, port and username already exists")
		return
	}

	server, err := s.buildServer(&req)
	if err != nil {
		respondWithError(c, err, "Failed to create server")
		return
	}

	if err := s.store.CreateServer(ctx, server); err != nil {
		respondWithError(c, err, "Failed to create server")
		return
	}

	s.audit.Success(ctx, actor(c), "server.create", server.ID, server.Name)
	c.JSON(http.StatusCreated, gin.H{"server": server.Sanitized()})
}

type importRequest struct {
	Servers []serverRequest `json:"servers"`
}

// importServers registers a batch in one call. Duplicates and invalid
// entries are skipped, not fatal; the response reports both counts.
func (s *Server) importServers(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Servers) == 0 {
		respondError(c, http.StatusBadRequest, "servers list is empty")
		return
	}

	ctx := c.Request.Context()
	created := make([]database.Server, 0, len(req.Servers))
	skipped := 0

	for i := range req.Servers {
		entry := &req.Servers[i]
		if err := entry.validate(); err != nil {
			skipped++
			continue
		}
		port := entry.Port
		if port == 0 {
			port = 22
		}
		if existing, err := s.store.FindServerByEndpoint(ctx, entry.Host, port, entry.Username); err == nil && existing != nil {
			skipped++
			continue
		}

		server, err := s.buildServer(entry)
		if err != nil {
			skipped++
			continue
		}
		if err := s.store.CreateServer(ctx, server); err != nil {
			skipped++
			continue
		}
		created = append(created, server.Sanitized())
	}

	s.audit.Success(ctx, actor(c), "server.import", "",
		fmt.Sprintf("created=%d skipped=%d", len(created), skipped))
	c.JSON(http.StatusOK, gin.H{
		"created": len(created),
		"skipped": skipped,
		"servers": created,
	})
}

func (s *Server) listServers(c *gin.Context) {
	servers, err := s.store.GetServers(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to list servers")
		return
	}

	sanitized := make([]database.Server, len(servers))
	for i, server := range servers {
		sanitized[i] = server.Sanitized()
	}
	c.JSON(http.StatusOK, gin.H{"servers": sanitized, "count": len(sanitized)})
}

func (s *Server) getServer(c *gin.Context) {
	server, err := s.store.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to get server")
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server.Sanitized()})
}

func (s *Server) updateServer(c *gin.Context) {
	ctx := c.Request.Context()
	server, err := s.store.GetServer(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to get server")
		return
	}

	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	endpointChanged := req.Host != server.Host || port != server.Port || req.Username != server.Username
	if endpointChanged {
		if existing, err := s.store.FindServerByEndpoint(ctx, req.Host, port, req.Username); err == nil && existing != nil && existing.ID != server.ID {
			respondError(c, http.StatusConflict, "A server with this host, port and username already exists")
			return
		}
		// A different endpoint means a different host key.
		server.Fingerprint = ""
	}

	server.Name = req.Name
	server.Host = req.Host
	server.Port = port
	server.Username = req.Username
	server.IsDefault = req.IsDefault
	if req.AuthType != "" {
		server.AuthType = req.AuthType
	}
	if req.Password != "" {
		enc, err := s.enc.Encrypt(req.Password)
		if err != nil {
			respondWithError(c, err, "Failed to update server")
			return
		}
		server.EncryptedPassword = enc
	}
	if req.PrivateKey != "" {
		enc, err := s.enc.Encrypt(req.PrivateKey)
		if err != nil {
			respondWithError(c, err, "Failed to update server")
			return
		}
		server.EncryptedKey = enc
	}
	server.UpdatedAt = time.Now()

	if err := s.store.UpdateServer(ctx, server); err != nil {
		respondWithError(c, err, "Failed to update server")
		return
	}

	// Any pooled connection may be bound to stale credentials or endpoint.
	s.exec.Evict(server.ID)

	s.audit.Success(ctx, actor(c), "server.update", server.ID, server.Name)
	c.JSON(http.StatusOK, gin.H{"server": server.Sanitized()})
}

func (s *Server) deleteServer(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	server, err := s.store.GetServer(ctx, id)
	if err != nil {
		respondWithError(c, err, "Failed to delete server")
		return
	}

	s.exec.Evict(id)
	if err := s.store.DeleteServer(ctx, id); err != nil {
		respondWithError(c, err, "Failed to delete server")
		return
	}

	s.audit.Success(ctx, actor(c), "server.delete", id, server.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Server deleted"})
}

func (s *Server) testServer(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	result, err := s.exec.Test(ctx, id)
	if err != nil {
		s.audit.Failure(ctx, actor(c), "server.test", id, err.Error())
		respondWithError(c, err, "Connection test failed")
		return
	}

	s.audit.Success(ctx, actor(c), "server.test", id, result.Fingerprint)
	c.JSON(http.StatusOK, gin.H{
		"fingerprint": result.Fingerprint,
		"latency_ms":  result.LatencyMs,
		"output":      result.Output,
	})
}

type execRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) execCommand(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Command == "" {
		respondError(c, http.StatusBadRequest, "command is required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.exec.Exec(c.Request.Context(), c.Param("id"), req.Command, timeout, actor(c))
	if err != nil {
		respondWithError(c, err, "Failed to execute command")
		return
	}

	// Non-zero exit codes are results, not errors.
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) commandHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetServer(c.Request.Context(), id); err != nil {
		respondWithError(c, err, "Failed to get history")
		return
	}

	entries, err := s.store.GetHistory(c.Request.Context(), database.HistoryFilters{
		ServerID: id,
		Limit:    queryLimit(c, 100),
	})
	if err != nil {
		respondWithError(c, err, "Failed to get history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (s *Server) serverMetrics(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetServer(c.Request.Context(), id); err != nil {
		respondWithError(c, err, "Failed to get metrics")
		return
	}

	filters := database.MetricsFilters{
		ServerID: id,
		Limit:    queryLimit(c, 500),
	}
	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			respondError(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filters.Since = &since
	}

	samples, err := s.store.GetServerMetrics(c.Request.Context(), filters)
	if err != nil {
		respondWithError(c, err, "Failed to get metrics")
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": samples, "count": len(samples)})
}

// serverMetricsLive runs one collection round trip on demand instead of
// waiting for the next scheduled sweep.
func (s *Server) serverMetricsLive(c *gin.Context) {
	sample, err := s.collector.CollectOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to collect metrics")
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": sample})
}

// queryLimit parses ?limit= with a default; non-numeric input falls back.
func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
