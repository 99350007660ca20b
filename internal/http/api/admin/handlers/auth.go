package handlers

import (
	"net/http"

	"github.com/Japgutter/keywarden/internal/config"
	"github.com/Japgutter/keywarden/internal/security"
	"github.com/gin-gonic/gin"
)

// AuthHandler issues operator session tokens.
type AuthHandler struct {
	cfg config.AdminConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(cfg config.AdminConfig) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

// loginRequest captures the operator login payload.
type loginRequest struct {
	Password string `json:"password"` // Operator credential.
}

// Login exchanges the operator password for a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !security.VerifyPassword(h.cfg.Password, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errMint := security.MintOperatorToken(h.cfg.JWTSecret, h.cfg.JWTExpiry.Std())
	if errMint != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
