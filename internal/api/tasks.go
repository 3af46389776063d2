package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/jobs"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type submitTaskRequest struct {
	Kind   string         `json:"kind" binding:"required"`
	Inputs []string       `json:"inputs"`
	Params map[string]any `json:"params"`
}

// taskResponse は利用者に返すタスクの表現です。owner と params は返しません。
type taskResponse struct {
	TaskID      string          `json:"taskId"`
	Kind        jobs.Kind       `json:"kind"`
	State       jobs.State      `json:"state"`
	Progress    float64         `json:"progress"`
	Stage       string          `json:"stage,omitempty"`
	Error       *jobs.ErrorInfo `json:"error,omitempty"`
	ResultRef   *jobs.ResultRef `json:"resultRef,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Inputs      []string        `json:"inputs"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func newTaskResponse(t *jobs.Task) taskResponse {
	return taskResponse{
		TaskID:      t.ID,
		Kind:        t.Kind,
		State:       t.State,
		Progress:    t.Progress,
		Stage:       t.Stage,
		Error:       t.Error,
		ResultRef:   t.Result,
		Meta:        t.Meta,
		Inputs:      t.Inputs,
		Attempt:     t.Attempt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// submitTask は POST /api/tasks のハンドラーです。
// その場で処理できた場合は 200、キューに回した場合は 202 を返します。
func (h *handlers) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "kind, inputs, params を JSON で送ってください。")
		return
	}

	task, err := h.tasks.Submit(c.Request.Context(), jobs.CreateRequest{
		Kind:   jobs.Kind(req.Kind),
		Inputs: req.Inputs,
		Params: req.Params,
		Owner:  auth.UserFrom(c),
	})
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	status := http.StatusAccepted
	if task.State.Terminal() {
		status = http.StatusOK
	}
	c.Header("Location", "/api/tasks/"+task.ID)
	c.JSON(status, newTaskResponse(task))
}

// getTask は GET /api/tasks/:id のハンドラーです。
func (h *handlers) getTask(c *gin.Context) {
	task, err := h.status.GetStatus(c.Request.Context(), c.Param("id"), auth.UserFrom(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(task))
}

// listTasks は GET /api/tasks のハンドラーです。
func (h *handlers) listTasks(c *gin.Context) {
	filter := jobs.Filter{Limit: defaultListLimit}
	if s := c.Query("state"); s != "" {
		state := jobs.State(s)
		if !state.Valid() {
			badRequest(c, fmt.Sprintf("state が不正です: %s", s))
			return
		}
		filter.State = state
	}
	if k := c.Query("kind"); k != "" {
		kind := jobs.Kind(k)
		if !kind.Valid() {
			badRequest(c, fmt.Sprintf("kind が不正です: %s", k))
			return
		}
		filter.Kind = kind
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if limit > 0 {
		filter.Limit = limit
	}

	tasks, err := h.status.List(c.Request.Context(), auth.UserFrom(c), filter)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, newTaskResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

// getTaskResult は GET /api/tasks/:id/result のハンドラーです。成果物の本体を返します。
func (h *handlers) getTaskResult(c *gin.Context) {
	ctx := c.Request.Context()
	user := auth.UserFrom(c)
	taskID := c.Param("id")

	ref, err := h.status.GetResult(ctx, taskID, user)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	doc, err := h.docs.GetOwned(ctx, ref.DocumentID, user)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.Header("X-Task-Id", taskID)
	h.streamDocument(c, doc)
}

// streamDocument はドキュメント本体を添付ファイルとして返します。
func (h *handlers) streamDocument(c *gin.Context, doc *documents.Document) {
	rc, err := h.docs.Open(c.Request.Context(), doc)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", contentDisposition(doc.OriginalFilename))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Document-Id", doc.ID)
	c.Header("X-Checksum-Sha256", doc.Checksum)
	c.DataFromReader(http.StatusOK, doc.Size, doc.FileType, rc, nil)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		badRequest(c, fmt.Sprintf("limit は1〜%dの整数で指定してください。", maxListLimit))
		return 0, false
	}
	return n, true
}

// contentDisposition は filename を引用符やエスケープ込みで組み立てます。
// ASCII 以外を含む名前は RFC 2231 形式の filename* になります。
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
