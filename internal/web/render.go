// internal/web/render.go
package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bastion/internal/auth"
	"bastion/internal/cron"
	"bastion/internal/database"
	"bastion/internal/dbproxy"
	"bastion/internal/executor"
)

// respondError writes the uniform error envelope. Every error response in
// the API goes through here.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": true, "message": message})
}

// respondWithError maps domain errors onto HTTP statuses. fallback names
// the operation for the generic 500 path.
func respondWithError(c *gin.Context, err error, fallback string) {
	var connErr *executor.ConnectivityError
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(c, http.StatusNotFound, "Not found")
	case errors.Is(err, dbproxy.ErrUnknownTarget):
		respondError(c, http.StatusNotFound, "Unknown database target")
	case errors.Is(err, dbproxy.ErrPolicyBlocked):
		respondError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, cron.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "Job is already running")
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(c, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		respondError(c, http.StatusUnauthorized, "Invalid or expired token")
	case errors.As(err, &connErr):
		respondError(c, http.StatusBadGateway, err.Error())
	default:
		logrus.WithError(err).Error(fallback)
		respondError(c, http.StatusInternalServerError, fallback)
	}
}
