// Package metrics は Prometheus メトリクスの定義と HTTP ミドルウェアを提供します。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP メトリクス
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_http_requests_total",
			Help: "HTTPリクエスト数",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docforge_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// タスク関連メトリクス
var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_tasks_submitted_total",
			Help: "投入されたタスク数",
		},
		[]string{"kind"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_tasks_finished_total",
			Help: "終端状態に到達したタスク数",
		},
		[]string{"kind", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docforge_task_duration_seconds",
			Help:    "claim から終端状態までの時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600},
		},
		[]string{"kind"},
	)

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docforge_task_claim_conflicts_total",
		Help: "claim に失敗して破棄したメッセージ数（重複配信を含む）",
	})

	Requeues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_task_requeues_total",
			Help: "一時的なエラーで再配信に回したメッセージ数",
		},
		[]string{"kind"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_queue_dead_letters_total",
			Help: "再試行を使い切ってデッドレターに移ったメッセージ数",
		},
		[]string{"kind"},
	)

	ReaperActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_reaper_actions_total",
			Help: "回収処理が行った操作数",
		},
		[]string{"action"},
	)

	StatusCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docforge_status_cache_hits_total",
		Help: "終端タスクキャッシュのヒット数",
	})

	StatusCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docforge_status_cache_misses_total",
		Help: "終端タスクキャッシュのミス数",
	})
)

// Middleware は HTTP リクエストのメトリクスを記録する gin ミドルウェアです。
// パスラベルにはルート定義（/api/tasks/:id など）を使い、ID ごとに系列が増えないようにします。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
