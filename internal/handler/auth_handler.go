// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"knowpipe-go/internal/config"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责管理接口的 token 签发。
type AuthHandler struct {
	jwtManager *token.JWTManager
	jwtCfg     config.JWTConfig
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(jwtManager *token.JWTManager, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager, jwtCfg: jwtCfg}
}

type issueTokenRequest struct {
	AdminKey string `json:"adminKey" binding:"required"`
}

// IssueToken 用配置的管理密钥换取一个 JWT。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数无效"})
		return
	}

	if h.jwtCfg.AdminKey == "" || req.AdminKey != h.jwtCfg.AdminKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "管理密钥错误"})
		return
	}

	tokenString, err := h.jwtManager.GenerateToken("admin")
	if err != nil {
		log.Error("IssueToken: 签发 token 失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "签发 token 失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "签发成功",
		"data":    gin.H{"token": tokenString},
	})
}
