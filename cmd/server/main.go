// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"knowpipe-go/internal/config"
	"knowpipe-go/internal/extract"
	"knowpipe-go/internal/handler"
	"knowpipe-go/internal/middleware"
	"knowpipe-go/internal/pipeline"
	"knowpipe-go/internal/repository"
	"knowpipe-go/internal/service"
	"knowpipe-go/pkg/database"
	"knowpipe-go/pkg/embedding"
	"knowpipe-go/pkg/es"
	"knowpipe-go/pkg/kafka"
	"knowpipe-go/pkg/llm"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/storage"
	"knowpipe-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、MinIO、ES 与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()

	// 4. 初始化 Repository 与各客户端
	checkpointRepo := repository.NewCheckpointRepository(database.DB, database.RDB)
	llmClient := llm.NewClient(cfg.LLM)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours)

	// 5. 初始化 Service
	ingestService := service.NewIngestService(checkpointRepo)
	eventHub := service.NewEventHub()

	// 6. 组装摄取管道：MinIO intake 源 + LLM 知识抽取器 + 调度循环
	intakeSource := storage.NewMinioIntakeSource(cfg.MinIO)
	extractor := extract.NewKnowledgeExtractor(llmClient, embeddingClient, cfg.Elasticsearch, cfg.Embedding)
	dispatcher := pipeline.NewDispatcher(
		intakeSource,
		extractor,
		checkpointRepo,
		config.IngestSnapshot,
		producer,
		eventHub,
	)

	// 7. 启动调度循环与配置热更新监听
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()
	config.Watch(func(next config.IngestConfig) {
		log.Infof("配置已热更新: enabled=%v, poll_interval=%s, chunk_target_size=%d",
			next.Enabled, next.PollInterval, next.ChunkTargetSize)
	})

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	ingestHandler := handler.NewIngestHandler(ingestService, eventHub, jwtManager)
	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/token", handler.NewAuthHandler(jwtManager, cfg.JWT).IssueToken)
		}

		// Ingest 路由组，需要认证
		ingest := apiV1.Group("/ingest")
		ingest.Use(middleware.AuthMiddleware(jwtManager))
		{
			ingest.GET("/files", ingestHandler.ListFiles)
			ingest.GET("/files/:contentHash", ingestHandler.GetFile)
			ingest.DELETE("/files/:contentHash", ingestHandler.DeleteFile)
		}
	}
	// 状态事件流 (WebSocket)，token 经查询参数校验
	r.GET("/ingest/stream", ingestHandler.Stream)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停调度循环：不再派发新的分块，等待在途分块的结果落盘
	stopDispatch()
	select {
	case <-dispatchDone:
	case <-time.After(30 * time.Second):
		log.Warnf("等待调度循环退出超时，继续关闭")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
