package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chatgate/internal/models"
	"chatgate/internal/service/gateway"
	"chatgate/internal/storage"
)

const (
	ndjsonContentType = "text/plain; charset=utf-8"
	// multipart framing and the text fields on top of the document itself
	formOverheadBytes = 1 << 20
	maxFormMemory     = 32 << 20
)

// ChatService is what the handlers need from the gateway.
type ChatService interface {
	ListHistory(ctx context.Context) ([]models.Message, error)
	ClearHistory(ctx context.Context) error
	Submit(ctx context.Context, req gateway.SubmitRequest) (iter.Seq[[]byte], error)
	Models(ctx context.Context) ([]string, error)
}

// Handler wires HTTP routes to the chat gateway.
type Handler struct {
	chat           ChatService
	maxUpload      int64
	metricsHandler http.Handler
	logger         *slog.Logger
}

// NewHandler constructs a Handler. metricsHandler may be nil to leave
// /metrics unrouted.
func NewHandler(chat ChatService, maxUpload int64, metricsHandler http.Handler) *Handler {
	return &Handler{
		chat:           chat,
		maxUpload:      maxUpload,
		metricsHandler: metricsHandler,
		logger:         slog.Default().With("component", "api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestID(), RequestLogger(h.logger))
	chat := router.Group("/chat")
	chat.GET("/", h.getChat)
	chat.DELETE("/", h.clearChat)
	chat.POST("/", h.postChat)
	router.GET("/models/", h.listModels)
	if h.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(h.metricsHandler))
	}
}

func (h *Handler) getChat(c *gin.Context) {
	msgs, err := h.chat.ListHistory(c.Request.Context())
	if err != nil {
		if !errors.Is(err, storage.ErrMalformedHistoryRecord) {
			h.storeError(c, "list history", err)
			return
		}
		skipped := len(storage.MalformedRecords(err))
		h.logger.Warn("history has malformed rows", "skipped", skipped, "err", err)
		c.Header("X-History-Skipped", strconv.Itoa(skipped))
	}

	c.Header("Content-Type", ndjsonContentType)
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

func (h *Handler) clearChat(c *gin.Context) {
	if err := h.chat.ClearHistory(c.Request.Context()); err != nil {
		h.storeError(c, "clear history", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) postChat(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+formOverheadBytes)
	}
	var err error
	if c.ContentType() == "multipart/form-data" {
		err = c.Request.ParseMultipartForm(maxFormMemory)
	} else {
		err = c.Request.ParseForm()
	}
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	req := gateway.SubmitRequest{
		Prompt: c.Request.PostFormValue("prompt"),
		Model:  c.Request.PostFormValue("model_name"),
	}
	if c.Request.MultipartForm != nil {
		file, header, err := c.Request.FormFile("document")
		switch {
		case err == nil:
			if h.maxUpload > 0 && header.Size > h.maxUpload {
				file.Close()
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
				return
			}
			req.Attachment = &gateway.Upload{
				Name:      header.Filename,
				MediaType: header.Header.Get("Content-Type"),
				Body:      file,
			}
		case errors.Is(err, http.ErrMissingFile):
		default:
			h.logger.Warn("read upload", "err", err)
		}
	}

	lines, err := h.chat.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrEmptyPrompt):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.storeError(c, "submit chat", err)
		}
		return
	}

	c.Header("Content-Type", ndjsonContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	for line := range lines {
		if _, err := c.Writer.Write(line); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (h *Handler) listModels(c *gin.Context) {
	names, err := h.chat.Models(c.Request.Context())
	if err != nil {
		h.logger.Warn("list models", "err", err)
		c.JSON(http.StatusBadGateway, []string{})
		return
	}
	c.JSON(http.StatusOK, names)
}

// storeError answers a request that failed before streaming started.
func (h *Handler) storeError(c *gin.Context, action string, err error) {
	if errors.Is(err, storage.ErrStoreClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store closed"})
		return
	}
	h.logger.Error(action, "err", err, "request_id", c.GetString(requestIDKey))
	c.JSON(http.StatusInternalServerError, gin.H{"error": action + " failed"})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
