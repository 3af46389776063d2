package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/jobs"
)

// respondWithError はサービス層のエラーを {code, message} の JSON に変換します。
func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var (
		validation *jobs.ValidationError
		failed     *jobs.FailedTaskError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validation.Message,
			"field":   validation.Field,
		})
	case errors.As(err, &failed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":    "TASK_FAILED",
			"message": failed.Info.Message,
			"error":   failed.Info,
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "TASK_NOT_FOUND",
			"message": "指定されたタスクは存在しません。",
		})
	case errors.Is(err, jobs.ErrForbidden), errors.Is(err, documents.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "このリソースにはアクセスできません。",
		})
	case errors.Is(err, jobs.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_READY",
			"message": "処理がまだ完了していません。",
		})
	case errors.Is(err, documents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "DOCUMENT_NOT_FOUND",
			"message": "指定されたドキュメントは存在しません。",
		})
	case errors.Is(err, documents.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "CONFLICT",
			"message": "ドキュメントが同時に更新されました。もう一度お試しください。",
		})
	case errors.Is(err, documents.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"code":    "UNSUPPORTED_FORMAT",
			"message": "対応していないファイル形式です。",
		})
	case errors.Is(err, documents.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": "ファイルサイズが上限を超えています。",
		})
	case errors.Is(err, documents.ErrEmpty):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "空のファイルはアップロードできません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		logger.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "INVALID_INPUT",
		"message": message,
	})
}
