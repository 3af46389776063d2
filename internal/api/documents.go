package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/documents"
)

// multipart のヘッダー分の余裕
const multipartOverhead = 1 << 20

// uploadDocument は POST /api/documents のハンドラーです。
// フォームの file に本体、title と description に任意の説明を指定します。
func (h *handlers) uploadDocument(c *gin.Context) {
	file, ok := h.formFile(c)
	if !ok {
		return
	}
	body, err := file.Open()
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer body.Close()

	doc, err := h.docs.Upload(c.Request.Context(), documents.UploadInput{
		Owner:       auth.UserFrom(c),
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Filename:    file.Filename,
		Body:        body,
	})
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// listDocuments は GET /api/documents のハンドラーです。
func (h *handlers) listDocuments(c *gin.Context) {
	filter := documents.ListFilter{Limit: defaultListLimit}
	if raw := c.Query("category"); raw != "" {
		category := documents.Category(raw)
		if !category.Valid() {
			badRequest(c, "category が不正です: "+raw)
			return
		}
		filter.Category = category
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if limit > 0 {
		filter.Limit = limit
	}

	docs, err := h.docs.List(c.Request.Context(), auth.UserFrom(c), filter)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	if docs == nil {
		docs = []*documents.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// getDocument は GET /api/documents/:id のハンドラーです。
func (h *handlers) getDocument(c *gin.Context) {
	doc, err := h.docs.GetOwned(c.Request.Context(), c.Param("id"), auth.UserFrom(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// replaceDocument は PUT /api/documents/:id のハンドラーです。本体を差し替えて version を進めます。
func (h *handlers) replaceDocument(c *gin.Context) {
	file, ok := h.formFile(c)
	if !ok {
		return
	}
	body, err := file.Open()
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer body.Close()

	doc, err := h.docs.Replace(c.Request.Context(), c.Param("id"), auth.UserFrom(c), file.Filename, body)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// deleteDocument は DELETE /api/documents/:id のハンドラーです。
// purge=true なら本体ごと削除し、それ以外はアーカイブのみ行います。
func (h *handlers) deleteDocument(c *gin.Context) {
	purge := false
	if raw := c.Query("purge"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "purge は true または false で指定してください。")
			return
		}
		purge = v
	}
	if err := h.docs.Delete(c.Request.Context(), c.Param("id"), auth.UserFrom(c), purge); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// downloadDocument は GET /api/documents/:id/download のハンドラーです。
func (h *handlers) downloadDocument(c *gin.Context) {
	doc, err := h.docs.GetOwned(c.Request.Context(), c.Param("id"), auth.UserFrom(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	h.streamDocument(c, doc)
}

// formFile はフォームの file を取り出します。失敗した場合はレスポンスを書いて false を返します。
func (h *handlers) formFile(c *gin.Context) (*multipart.FileHeader, bool) {
	if h.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+multipartOverhead)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, h.logger, documents.ErrTooLarge)
			return nil, false
		}
		badRequest(c, "multipart/form-data の file にファイルを指定してください。")
		return nil, false
	}
	return file, true
}
