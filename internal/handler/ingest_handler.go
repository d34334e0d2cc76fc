package handler

import (
	"errors"
	"net/http"

	"knowpipe-go/internal/service"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// IngestHandler 负责处理摄取状态查询与管理相关的 API 请求。
type IngestHandler struct {
	ingestService service.IngestService
	hub           *service.EventHub
	jwtManager    *token.JWTManager
}

// NewIngestHandler 创建一个新的 IngestHandler 实例。
func NewIngestHandler(ingestService service.IngestService, hub *service.EventHub, jwtManager *token.JWTManager) *IngestHandler {
	return &IngestHandler{
		ingestService: ingestService,
		hub:           hub,
		jwtManager:    jwtManager,
	}
}

// ListFiles 处理获取文件记录列表的请求。
func (h *IngestHandler) ListFiles(c *gin.Context) {
	files, err := h.ingestService.ListFiles()
	if err != nil {
		log.Error("ListFiles: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文件列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取文件列表成功",
		"data":    files,
	})
}

// GetFile 处理获取单个文件记录的请求。
func (h *IngestHandler) GetFile(c *gin.Context) {
	contentHash := c.Param("contentHash")
	if contentHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少内容摘要"})
		return
	}

	file, err := h.ingestService.GetFile(contentHash)
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文件记录不存在"})
			return
		}
		log.Error("GetFile: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文件记录失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取文件记录成功",
		"data":    file,
	})
}

// DeleteFile 处理删除终态文件记录的请求。
func (h *IngestHandler) DeleteFile(c *gin.Context) {
	contentHash := c.Param("contentHash")
	if contentHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少内容摘要"})
		return
	}

	err := h.ingestService.DeleteFile(c.Request.Context(), contentHash)
	switch {
	case errors.Is(err, service.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "文件记录不存在"})
	case errors.Is(err, service.ErrFileNotTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "文件尚未处理完毕，不能删除"})
	case err != nil:
		log.Error("DeleteFile: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除文件记录失败"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"code":    http.StatusOK,
			"message": "删除成功",
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream 通过 WebSocket 实时推送文件状态事件。
// 浏览器无法在握手时携带 Authorization 头，token 通过查询参数传入。
func (h *IngestHandler) Stream(c *gin.Context) {
	tokenString := c.Query("token")
	if _, err := h.jwtManager.VerifyToken(tokenString); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Stream: websocket 升级失败", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	// 读取端只用于感知连接关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Warnf("Stream: 推送状态事件失败: %v", err)
				return
			}
		}
	}
}
