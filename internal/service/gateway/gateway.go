package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/service/stream"
	"chatgate/internal/storage"
)

var (
	ErrEmptyPrompt    = errors.New("prompt must not be empty")
	ErrAttachmentRead = errors.New("attachment read failed")
)

// Store is the message log as the gateway uses it.
type Store interface {
	ReadAll(ctx context.Context) (models.History, error)
	Clear(ctx context.Context) error
	Close() error
}

type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

type Config struct {
	DefaultModel   string
	MaxUploadBytes int64
}

// Upload is a document sent with a prompt. The gateway always closes Body.
type Upload struct {
	Name      string
	MediaType string
	Body      io.ReadCloser
}

type SubmitRequest struct {
	Prompt     string
	Model      string
	Attachment *Upload
}

// Gateway is the chat application behind the HTTP surface and the CLI.
type Gateway struct {
	store  Store
	coord  *stream.Coordinator
	lister ModelLister
	cfg    Config

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(store Store, coord *stream.Coordinator, lister ModelLister, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		coord:  coord,
		lister: lister,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListHistory returns the flattened conversation. When some stored rows are
// malformed the readable messages are returned together with the store's
// ErrMalformedHistoryRecord error.
func (g *Gateway) ListHistory(ctx context.Context) ([]models.Message, error) {
	history, err := g.store.ReadAll(ctx)
	if err != nil && !errors.Is(err, storage.ErrMalformedHistoryRecord) {
		return nil, err
	}
	return history.Messages(), err
}

func (g *Gateway) ClearHistory(ctx context.Context) error {
	return g.store.Clear(ctx)
}

// Submit validates the request and prepares the exchange. Errors returned
// here happen before anything is streamed; later failures arrive in-band as
// error-shaped lines. Each yielded slice is one JSON document ending in '\n'.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (iter.Seq[[]byte], error) {
	att := g.readAttachment(req.Attachment)
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	modelName := strings.TrimSpace(req.Model)
	if modelName == "" {
		modelName = g.cfg.DefaultModel
	}

	now := g.now()
	parts := []models.MessagePart{models.TextPart(req.Prompt, now)}
	if att != nil {
		parts = append(parts, models.AttachmentPart(att, now))
	}

	history, err := g.store.ReadAll(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrMalformedHistoryRecord) {
			return nil, fmt.Errorf("read history: %w", err)
		}
		g.logger.Warn("history has malformed rows", "skipped", len(storage.MalformedRecords(err)), "err", err)
	}

	events := g.coord.RunExchange(ctx, stream.ExchangeRequest{
		Model:   modelName,
		Prompt:  parts,
		History: history,
	})
	return func(yield func([]byte) bool) {
		for ev, err := range events {
			if err != nil {
				ev = g.errorEvent(err)
			}
			if ev.IsError() {
				g.logger.Warn("exchange ended with error", "kind", ev.Error, "model", modelName)
			}
			line, mErr := json.Marshal(ev)
			if mErr != nil {
				g.logger.Error("encode chat event", "err", mErr)
				return
			}
			if !yield(append(line, '\n')) || err != nil {
				return
			}
		}
	}, nil
}

// Models lists the selectable models.
func (g *Gateway) Models(ctx context.Context) ([]string, error) {
	if g.lister == nil {
		return []string{g.cfg.DefaultModel}, nil
	}
	return g.lister.Models(ctx)
}

func (g *Gateway) Close() error {
	return g.store.Close()
}

// readAttachment reads and closes the upload. Failures are logged and the
// exchange continues without the document.
func (g *Gateway) readAttachment(up *Upload) *models.Attachment {
	if up == nil || up.Body == nil {
		return nil
	}
	defer up.Body.Close()

	reader := io.Reader(up.Body)
	if g.cfg.MaxUploadBytes > 0 {
		reader = io.LimitReader(up.Body, g.cfg.MaxUploadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err == nil && g.cfg.MaxUploadBytes > 0 && int64(len(data)) > g.cfg.MaxUploadBytes {
		err = fmt.Errorf("larger than %d bytes", g.cfg.MaxUploadBytes)
	}
	if err == nil && len(data) == 0 {
		err = errors.New("empty file")
	}
	if err != nil {
		g.logger.Warn("attachment dropped", "name", up.Name, "err", fmt.Errorf("%w: %w", ErrAttachmentRead, err))
		return nil
	}

	mediaType := up.MediaType
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	return models.NewAttachment(up.Name, mediaType, data)
}

func (g *Gateway) errorEvent(err error) models.ChatEvent {
	kind := models.ErrorGeneration
	if errors.Is(err, stream.ErrPersist) {
		kind = models.ErrorStorage
	}
	return models.SystemErrorEvent(g.now(), kind, err)
}
