// Package api は HTTP のルーティングとハンドラーを提供します。
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/metrics"
)

// Version は /health で返すバージョンです。
const Version = "0.2.0"

// TaskSubmitter はタスクを投入します。jobs.Manager が満たします。
type TaskSubmitter interface {
	Submit(ctx context.Context, req jobs.CreateRequest) (*jobs.Task, error)
}

// TaskStatus はタスクの状態を参照します。jobs.StatusService が満たします。
type TaskStatus interface {
	GetStatus(ctx context.Context, id, caller string) (*jobs.Task, error)
	GetResult(ctx context.Context, id, caller string) (*jobs.ResultRef, error)
	List(ctx context.Context, caller string, filter jobs.Filter) ([]*jobs.Task, error)
}

// DocumentService はドキュメントの操作です。documents.Service が満たします。
type DocumentService interface {
	Upload(ctx context.Context, in documents.UploadInput) (*documents.Document, error)
	Replace(ctx context.Context, id, owner, filename string, body io.Reader) (*documents.Document, error)
	GetOwned(ctx context.Context, id, owner string) (*documents.Document, error)
	List(ctx context.Context, owner string, filter documents.ListFilter) ([]*documents.Document, error)
	Open(ctx context.Context, doc *documents.Document) (io.ReadCloser, error)
	Delete(ctx context.Context, id, owner string, purge bool) error
}

// Deps はルーターが使うサービス群です。
type Deps struct {
	Config    *config.Config
	Auth      *auth.Manager
	Tasks     TaskSubmitter
	Status    TaskStatus
	Documents DocumentService
	Logger    *slog.Logger
}

// NewRouter はミドルウェアとルートを設定した gin.Engine を返します。
func NewRouter(d Deps) *gin.Engine {
	cfg := d.Config
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger), metrics.Middleware())

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンとタスクIDを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "X-Task-Id", "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{
		tasks:       d.Tasks,
		status:      d.Status,
		docs:        d.Documents,
		maxFileSize: cfg.MaxFileSize,
		logger:      d.Logger,
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", d.Auth.Login)
			authRoutes.POST("/logout",
				d.Auth.RequireLogin(),
				d.Auth.VerifyCSRF(),
				d.Auth.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(d.Auth.RequireLogin(), d.Auth.VerifyCSRF())
		{
			protected.POST("/tasks", h.submitTask)
			protected.GET("/tasks", h.listTasks)
			protected.GET("/tasks/:id", h.getTask)
			protected.GET("/tasks/:id/result", h.getTaskResult)

			protected.POST("/documents", h.uploadDocument)
			protected.GET("/documents", h.listDocuments)
			protected.GET("/documents/:id", h.getDocument)
			protected.PUT("/documents/:id", h.replaceDocument)
			protected.DELETE("/documents/:id", h.deleteDocument)
			protected.GET("/documents/:id/download", h.downloadDocument)
		}
	}
	return router
}

type handlers struct {
	tasks       TaskSubmitter
	status      TaskStatus
	docs        DocumentService
	maxFileSize int64
	logger      *slog.Logger
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "doc-forge-api",
		"version": Version,
	})
}

// requestLogger はリクエストごとに1行のアクセスログを出します。
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user", c.GetString(auth.ContextUserKey)),
		)
	}
}
