package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/config"
	"chatgate/internal/models"
	"chatgate/internal/service/ai"
	"chatgate/internal/service/stream"
	"chatgate/internal/storage"
	"chatgate/internal/worker"
)

type sliceStream struct {
	chunks []string
	err    error
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() {}

type recordingClient struct {
	chunks  []string
	err     error
	prompts [][]models.MessagePart
	history []models.History
}

func (c *recordingClient) Stream(ctx context.Context, prompt []models.MessagePart, history models.History) (ai.TextStream, error) {
	c.prompts = append(c.prompts, prompt)
	c.history = append(c.history, history)
	return &sliceStream{chunks: append([]string(nil), c.chunks...), err: c.err}, nil
}

type harness struct {
	gw        *Gateway
	store     *storage.MessageStore
	client    *recordingClient
	selectors []string
}

func newHarness(t *testing.T, resolveErr error) *harness {
	t.Helper()
	store, err := storage.OpenMessageStore(context.Background(),
		config.DatabaseConfig{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "chat.db")},
		worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, client: &recordingClient{chunks: []string{"Hel", "lo!"}}}
	factory := func(ctx context.Context, selector string) (ai.Client, error) {
		h.selectors = append(h.selectors, selector)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return h.client, nil
	}
	coord := stream.NewCoordinator(factory, store, stream.Config{Debounce: 5 * time.Millisecond})
	h.gw = New(store, coord, nil, Config{DefaultModel: "qwen2.5vl:72b-q4_K_M", MaxUploadBytes: 16})
	return h
}

func readLines(t *testing.T, seq func(func([]byte) bool)) []models.ChatEvent {
	t.Helper()
	var events []models.ChatEvent
	for line := range seq {
		require.True(t, strings.HasSuffix(string(line), "\n"))
		var ev models.ChatEvent
		require.NoError(t, json.Unmarshal(line, &ev))
		events = append(events, ev)
	}
	return events
}

func TestSubmitHiScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	seq, err := h.gw.Submit(ctx, SubmitRequest{Prompt: "hi"})
	require.NoError(t, err)
	events := readLines(t, seq)

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, models.RoleUser, events[0].Role)
	assert.Equal(t, "hi", events[0].Content)
	var joined strings.Builder
	for _, ev := range events[1:] {
		assert.Equal(t, models.RoleModel, ev.Role)
		assert.False(t, ev.IsError())
		joined.WriteString(ev.Delta)
	}
	assert.Equal(t, "Hello!", joined.String())
	assert.Equal(t, "Hello!", events[len(events)-1].Content)
	assert.Equal(t, []string{"qwen2.5vl:72b-q4_K_M"}, h.selectors)

	msgs, err := h.gw.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.Message{Role: models.RoleUser, Timestamp: events[0].Timestamp, Content: "hi"}, msgs[0])
	assert.Equal(t, "Hello!", msgs[1].Content)

	// the next exchange sees the first one as history
	seq, err = h.gw.Submit(ctx, SubmitRequest{Prompt: "again", Model: "llama3"})
	require.NoError(t, err)
	readLines(t, seq)
	require.Len(t, h.client.history, 2)
	assert.Len(t, h.client.history[1], 2)
	assert.Equal(t, "llama3", h.selectors[1])
}

func TestSubmitRejectsEmptyPromptAndClosesUpload(t *testing.T) {
	h := newHarness(t, nil)
	body := &trackingBody{Reader: strings.NewReader("data")}

	_, err := h.gw.Submit(context.Background(), SubmitRequest{Prompt: "  \n", Attachment: &Upload{Name: "a.txt", Body: body}})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.True(t, body.closed)
}

func TestSubmitResolutionFailureStreamsOneErrorLine(t *testing.T) {
	h := newHarness(t, errors.New("model llama9 not found"))

	seq, err := h.gw.Submit(context.Background(), SubmitRequest{Prompt: "hi", Model: "llama9"})
	require.NoError(t, err)
	events := readLines(t, seq)
	require.Len(t, events, 1)
	assert.Equal(t, models.ErrorModelResolution, events[0].Error)

	msgs, err := h.gw.ListHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSubmitMidStreamFailureEndsWithErrorLine(t *testing.T) {
	h := newHarness(t, nil)
	h.client.err = errors.New("connection reset")

	seq, err := h.gw.Submit(context.Background(), SubmitRequest{Prompt: "hi"})
	require.NoError(t, err)
	events := readLines(t, seq)

	last := events[len(events)-1]
	assert.Equal(t, models.ErrorGeneration, last.Error)
	assert.Contains(t, last.Content, "connection reset")
	assert.Equal(t, "Hello!", events[len(events)-2].Content)

	msgs, err := h.gw.ListHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSubmitKeepsAttachment(t *testing.T) {
	h := newHarness(t, nil)
	body := &trackingBody{Reader: strings.NewReader("plain notes")}

	seq, err := h.gw.Submit(context.Background(), SubmitRequest{Prompt: "summarise", Attachment: &Upload{Name: "notes.txt", Body: body}})
	require.NoError(t, err)
	events := readLines(t, seq)
	assert.True(t, body.closed)
	assert.Equal(t, "summarise", events[0].Content)

	prompt := h.client.prompts[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, "text/plain; charset=utf-8", prompt[1].Attachment.MediaType)
	assert.Equal(t, []byte("plain notes"), prompt[1].Attachment.Data)

	msgs, err := h.gw.ListHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "summarise (document attached)", msgs[0].Content)
}

func TestSubmitDropsOversizeAttachment(t *testing.T) {
	h := newHarness(t, nil)
	body := &trackingBody{Reader: strings.NewReader(strings.Repeat("x", 17))}

	seq, err := h.gw.Submit(context.Background(), SubmitRequest{Prompt: "hi", Attachment: &Upload{Name: "big.txt", Body: body}})
	require.NoError(t, err)
	events := readLines(t, seq)
	assert.True(t, body.closed)
	assert.Equal(t, "hi", events[0].Content)
	assert.Len(t, h.client.prompts[0], 1)
}

func TestListHistoryReportsMalformedRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Append(ctx, []byte("garbage")))

	seq, err := h.gw.Submit(ctx, SubmitRequest{Prompt: "hi"})
	require.NoError(t, err)
	readLines(t, seq)

	msgs, err := h.gw.ListHistory(ctx)
	require.ErrorIs(t, err, storage.ErrMalformedHistoryRecord)
	assert.Len(t, msgs, 2)
	assert.Len(t, storage.MalformedRecords(err), 1)
}

func TestClearAndClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	seq, err := h.gw.Submit(ctx, SubmitRequest{Prompt: "hi"})
	require.NoError(t, err)
	readLines(t, seq)
	require.NoError(t, h.gw.ClearHistory(ctx))

	msgs, err := h.gw.ListHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, h.gw.Close())
	_, err = h.gw.ListHistory(ctx)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	_, err = h.gw.Submit(ctx, SubmitRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestModelsFallsBackToDefault(t *testing.T) {
	h := newHarness(t, nil)
	got, err := h.gw.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen2.5vl:72b-q4_K_M"}, got)
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestSubmitUnknownModelOnDefaultConfig(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"qwen2.5vl:72b-q4_K_M","object":"model"}]}`)
	}))
	t.Cleanup(ollama.Close)

	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: ollama.URL + "/v1", APIKey: "ollama", Model: config.DefaultModel}
	discovery := ai.NewDiscovery(cfg)
	registry, err := ai.NewRegistry(context.Background(), cfg, discovery)
	require.NoError(t, err)

	h := newHarness(t, nil)
	coord := stream.NewCoordinator(registry.Resolve, h.store, stream.Config{})
	gw := New(h.store, coord, discovery, Config{DefaultModel: cfg.BasicConfig.DefaultModel})

	seq, err := gw.Submit(context.Background(), SubmitRequest{Prompt: "hi", Model: "nope"})
	require.NoError(t, err)
	events := readLines(t, seq)
	require.Len(t, events, 1)
	assert.Equal(t, models.RoleModel, events[0].Role)
	assert.Equal(t, models.ErrorModelResolution, events[0].Error)

	msgs, err := gw.ListHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
