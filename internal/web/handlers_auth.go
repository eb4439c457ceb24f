// internal/web/handlers_auth.go
package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bastion/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func userPayload(p *auth.Principal) gin.H {
	return gin.H{
		"username":        p.Username,
		"display_name":    p.DisplayName,
		"role":            p.Role,
		"avatar_initials": p.Initials(),
	}
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	pair, principal, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		// Unknown username and wrong password are indistinguishable.
		s.audit.Failure(c.Request.Context(), req.Username, "auth.login", "", "invalid credentials")
		respondError(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	s.audit.Success(c.Request.Context(), principal.Username, "auth.login", "", "")
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"user":          userPayload(principal),
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		respondError(c, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, principal, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"user":          userPayload(principal),
	})
}

func (s *Server) me(c *gin.Context) {
	v, _ := c.Get(principalKey)
	principal, ok := v.(*auth.Principal)
	if !ok {
		respondError(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userPayload(principal)})
}

func (s *Server) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := s.auth.ChangePassword(c.Request.Context(), req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.audit.Failure(c.Request.Context(), actor(c), "auth.change_password", "", "wrong current password")
		respondError(c, http.StatusUnauthorized, "Invalid credentials")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		respondError(c, http.StatusBadRequest, err.Error())
		return
	default:
		respondWithError(c, err, "Failed to change password")
		return
	}

	s.audit.Success(c.Request.Context(), actor(c), "auth.change_password", "", "")
	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}
