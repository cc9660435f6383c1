package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/models"
	"chatgate/internal/service/ai"
)

type step struct {
	text  string
	err   error
	delay time.Duration
}

// scriptedStream replays steps and then reports io.EOF. With block set it
// waits for Close instead of ending.
type scriptedStream struct {
	steps  []step
	block  bool
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newScripted(steps ...step) *scriptedStream {
	return &scriptedStream{steps: steps, closed: make(chan struct{})}
}

func (s *scriptedStream) Recv() (string, error) {
	if s.idx < len(s.steps) {
		st := s.steps[s.idx]
		s.idx++
		if st.delay > 0 {
			select {
			case <-time.After(st.delay):
			case <-s.closed:
				return "", errors.New("stream closed")
			}
		}
		return st.text, st.err
	}
	if s.block {
		<-s.closed
		return "", errors.New("stream closed")
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *scriptedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeClient struct {
	stream  *scriptedStream
	openErr error
}

func (f *fakeClient) Stream(ctx context.Context, prompt []models.MessagePart, history models.History) (ai.TextStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func factoryFor(client ai.Client, err error) ai.Factory {
	return func(ctx context.Context, selector string) (ai.Client, error) {
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

type memAppender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (m *memAppender) Append(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *memAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

var promptAt = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func hiRequest() ExchangeRequest {
	return ExchangeRequest{Model: "llama3", Prompt: []models.MessagePart{models.TextPart("hi", promptAt)}}
}

func collect(seq func(func(models.ChatEvent, error) bool)) ([]models.ChatEvent, error) {
	var (
		events []models.ChatEvent
		last   error
	)
	for ev, err := range seq {
		if err != nil {
			last = err
			continue
		}
		events = append(events, ev)
	}
	return events, last
}

func deltas(events []models.ChatEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Role == models.RoleModel {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestExchangeStreamsAndPersists(t *testing.T) {
	stream := newScripted(step{text: "Hel"}, step{text: "lo!"})
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), store, Config{Debounce: 10 * time.Millisecond})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)

	assert.Equal(t, models.ChatEvent{Role: models.RoleUser, Timestamp: models.FormatTimestamp(promptAt), Content: "hi"}, events[0])
	last := events[len(events)-1]
	assert.Equal(t, models.RoleModel, last.Role)
	assert.Equal(t, "Hello!", last.Content)
	assert.Equal(t, "Hello!", deltas(events))
	for _, ev := range events[1:] {
		assert.Equal(t, last.Timestamp, ev.Timestamp, "model events share one timestamp")
	}

	require.Equal(t, 1, store.count())
	records, err := models.DecodeTurn(store.payloads[0])
	require.NoError(t, err)
	msgs := models.History(records).Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.True(t, stream.isClosed())
}

func TestExchangeCoalescesBurstIntoOneEvent(t *testing.T) {
	stream := newScripted(step{text: "a"}, step{text: "b"}, step{text: "c"})
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), &memAppender{}, Config{Debounce: time.Second})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "abc", events[1].Delta)
	assert.Equal(t, "abc", events[1].Content)
}

func TestExchangeFlushesOnSizeTrigger(t *testing.T) {
	stream := newScripted(step{text: "ab"}, step{text: "cd"}, step{text: "ef"})
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), &memAppender{}, Config{Debounce: time.Hour, MaxBufferBytes: 4})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "abcd", events[1].Delta)
	assert.Equal(t, "ef", events[2].Delta)
	assert.Equal(t, "abcdef", events[2].Content)
}

func TestExchangeFlushesWhenDebounceElapses(t *testing.T) {
	stream := newScripted(step{text: "x"}, step{text: "y", delay: 80 * time.Millisecond})
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), &memAppender{}, Config{Debounce: 5 * time.Millisecond})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "x", events[1].Delta)
	assert.Equal(t, "y", events[2].Delta)
	assert.Equal(t, "xy", events[2].Content)
}

func TestExchangeResolutionFailureYieldsSingleErrorEvent(t *testing.T) {
	store := &memAppender{}
	c := NewCoordinator(factoryFor(nil, errors.New("model llama9 not found")), store, Config{})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError())
	assert.Equal(t, models.ErrorModelResolution, events[0].Error)
	assert.Equal(t, models.RoleModel, events[0].Role)
	assert.True(t, strings.HasPrefix(events[0].Content, models.SystemErrorPrefix))
	assert.Zero(t, store.count())
}

func TestExchangeOpenFailure(t *testing.T) {
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{openErr: errors.New("connection refused")}, nil), store, Config{})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.ErrorIs(t, err, ErrGeneration)
	require.Len(t, events, 1)
	assert.Equal(t, models.RoleUser, events[0].Role)
	assert.Zero(t, store.count())
}

func TestExchangeMidStreamFailureFlushesAndSkipsAppend(t *testing.T) {
	boom := errors.New("upstream reset")
	stream := newScripted(step{text: "par"}, step{err: boom})
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), store, Config{Debounce: time.Hour})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, boom)
	require.Len(t, events, 2)
	assert.Equal(t, "par", events[1].Content)
	assert.Zero(t, store.count())
}

func TestExchangeAppendFailureIsTerminal(t *testing.T) {
	stream := newScripted(step{text: "ok"})
	store := &memAppender{err: errors.New("disk full")}
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), store, Config{})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.ErrorIs(t, err, ErrPersist)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[1].Content)
}

func TestExchangeEmptyReplyStillEmitsModelEvent(t *testing.T) {
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: newScripted()}, nil), store, Config{})

	events, err := collect(c.RunExchange(context.Background(), hiRequest()))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.RoleModel, events[1].Role)
	assert.Empty(t, events[1].Content)
	assert.Equal(t, 1, store.count())
}

func TestExchangeConsumerStopSkipsAppend(t *testing.T) {
	stream := newScripted(step{text: "one"}, step{text: "two", delay: 20 * time.Millisecond})
	stream.block = true
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), store, Config{})

	for ev, err := range c.RunExchange(context.Background(), hiRequest()) {
		require.NoError(t, err)
		if ev.Role == models.RoleModel {
			break
		}
	}
	assert.True(t, stream.isClosed())
	assert.Zero(t, store.count())
}

func TestExchangeContextCancelStopsStream(t *testing.T) {
	stream := newScripted(step{text: "partial"})
	stream.block = true
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: stream}, nil), store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	var sawModel atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range c.RunExchange(ctx, hiRequest()) {
			if ev.Role == models.RoleModel {
				sawModel.Store(true)
				cancel()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange did not stop after cancel")
	}
	assert.True(t, sawModel.Load())
	assert.True(t, stream.isClosed())
	assert.Zero(t, store.count())
}

func TestExchangeIsSingleUse(t *testing.T) {
	c := NewCoordinator(factoryFor(&fakeClient{stream: newScripted(step{text: "x"})}, nil), &memAppender{}, Config{})
	seq := c.RunExchange(context.Background(), hiRequest())

	_, err := collect(seq)
	require.NoError(t, err)
	events, err := collect(seq)
	assert.ErrorIs(t, err, ErrExchangeConsumed)
	assert.Empty(t, events)
}

func TestUserEchoKeepsRawPromptWithAttachment(t *testing.T) {
	store := &memAppender{}
	c := NewCoordinator(factoryFor(&fakeClient{stream: newScripted(step{text: "ok"})}, nil), store, Config{})
	doc := models.NewAttachment("notes.txt", "text/plain", []byte("plain notes"))
	req := ExchangeRequest{Model: "llama3", Prompt: []models.MessagePart{
		models.TextPart("summarise", promptAt),
		models.AttachmentPart(doc, promptAt),
	}}

	events, err := collect(c.RunExchange(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, events[0].Role)
	assert.Equal(t, "summarise", events[0].Content)

	// the stored turn still flattens with the attachment note
	require.Equal(t, 1, store.count())
	records, err := models.DecodeTurn(store.payloads[0])
	require.NoError(t, err)
	msgs := models.History(records).Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "summarise (document attached)", msgs[0].Content)
}
