package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"chatgate/internal/metrics"
	"chatgate/internal/models"
	"chatgate/internal/service/ai"
)

var (
	ErrGeneration       = errors.New("generation failed")
	ErrPersist          = errors.New("persist turn failed")
	ErrExchangeConsumed = errors.New("exchange already consumed")
)

const (
	DefaultDebounce       = 10 * time.Millisecond
	DefaultMaxBufferBytes = 4096
)

// Appender is the part of the message store an exchange writes to.
type Appender interface {
	Append(ctx context.Context, payload []byte) error
}

type Config struct {
	// Debounce is how long increments are coalesced before a model event is
	// emitted. Zero emits every increment as it arrives.
	Debounce time.Duration
	// MaxBufferBytes forces a flush once this much text is pending. Zero
	// disables the size trigger.
	MaxBufferBytes int
}

// Coordinator runs chat exchanges: it resolves the backend, streams the
// reply as coalesced events and appends the finished turn to the log.
type Coordinator struct {
	factory ai.Factory
	store   Appender
	cfg     Config

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(factory ai.Factory, store Appender, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory: factory,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ExchangeRequest struct {
	Model   string
	Prompt  []models.MessagePart
	History models.History
}

type chunk struct {
	text string
	err  error
}

// RunExchange returns the event sequence of one exchange. The sequence can be
// consumed once. Events come with a nil error; a non-nil error is terminal
// and wraps ErrGeneration, ErrPersist or ErrExchangeConsumed. A model that
// cannot be resolved produces a single error-shaped event instead. The turn
// is appended only when the backend completed and the consumer was still
// reading; stopping early or cancelling ctx skips it.
func (c *Coordinator) RunExchange(ctx context.Context, req ExchangeRequest) iter.Seq2[models.ChatEvent, error] {
	var consumed atomic.Bool
	return func(yield func(models.ChatEvent, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(models.ChatEvent{}, ErrExchangeConsumed)
			return
		}
		c.run(ctx, req, yield)
	}
}

func (c *Coordinator) run(ctx context.Context, req ExchangeRequest, yield func(models.ChatEvent, error) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.metrics.StreamOpened()()

	outcome := "canceled"
	defer func() { c.metrics.Exchange(outcome) }()

	client, err := c.factory(ctx, req.Model)
	if err != nil {
		outcome = "resolution_error"
		c.logger.Warn("model resolution failed", "model", req.Model, "err", err)
		yield(models.SystemErrorEvent(c.now(), models.ErrorModelResolution, err), nil)
		return
	}

	if !yield(c.userEvent(req.Prompt), nil) {
		return
	}

	stream, err := client.Stream(ctx, req.Prompt, req.History)
	if err != nil {
		outcome = "generation_error"
		yield(models.ChatEvent{}, fmt.Errorf("%w: %w", ErrGeneration, err))
		return
	}
	defer func() {
		cancel()
		stream.Close()
	}()

	chunks := make(chan chunk)
	go pump(ctx, stream, chunks)

	var (
		full        strings.Builder
		pending     strings.Builder
		respondedAt time.Time
		emitted     bool
		timer       *time.Timer
		timerC      <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	flush := func(trigger string) bool {
		stopTimer()
		if pending.Len() == 0 {
			return true
		}
		delta := pending.String()
		pending.Reset()
		full.WriteString(delta)
		emitted = true
		c.metrics.Flush(trigger)
		return yield(models.ChatEvent{
			Role:      models.RoleModel,
			Timestamp: models.FormatTimestamp(respondedAt),
			Content:   full.String(),
			Delta:     delta,
		}, nil)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerC:
			timer, timerC = nil, nil
			if !flush("timer") {
				return
			}
		case ch, ok := <-chunks:
			if !ok {
				return
			}
			if ch.err != nil {
				if !errors.Is(ch.err, io.EOF) {
					if !flush("final") {
						return
					}
					outcome = "generation_error"
					c.logger.Warn("model stream failed", "model", req.Model, "err", ch.err)
					yield(models.ChatEvent{}, fmt.Errorf("%w: %w", ErrGeneration, ch.err))
					return
				}
				if !flush("final") {
					return
				}
				if respondedAt.IsZero() {
					respondedAt = c.now()
				}
				if !emitted {
					// an empty reply still gets one model event
					if !yield(models.ChatEvent{Role: models.RoleModel, Timestamp: models.FormatTimestamp(respondedAt)}, nil) {
						return
					}
				}
				if ctx.Err() != nil {
					return
				}
				if err := c.persist(ctx, req.Prompt, full.String(), respondedAt); err != nil {
					outcome = "persist_error"
					yield(models.ChatEvent{}, err)
					return
				}
				outcome = "completed"
				return
			}
			if ch.text == "" {
				continue
			}
			if respondedAt.IsZero() {
				respondedAt = c.now()
			}
			pending.WriteString(ch.text)
			switch {
			case c.cfg.MaxBufferBytes > 0 && pending.Len() >= c.cfg.MaxBufferBytes:
				if !flush("size") {
					return
				}
			case c.cfg.Debounce <= 0:
				if !flush("timer") {
					return
				}
			case timerC == nil:
				timer = time.NewTimer(c.cfg.Debounce)
				timerC = timer.C
			}
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, prompt []models.MessagePart, reply string, respondedAt time.Time) error {
	payload, err := models.EncodeTurn(models.NewTurn(prompt, reply, respondedAt))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := c.store.Append(ctx, payload); err != nil {
		c.logger.Error("append turn failed", "err", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// userEvent echoes the prompt text as typed. The attachment note only appears
// in the flattened history.
func (c *Coordinator) userEvent(prompt []models.MessagePart) models.ChatEvent {
	ev := models.ChatEvent{Role: models.RoleUser, Timestamp: models.FormatTimestamp(c.now())}
	if len(prompt) > 0 {
		ev.Timestamp = models.FormatTimestamp(prompt[0].Timestamp)
	}
	ev.Content = models.FirstText(prompt)
	return ev
}

// pump forwards increments until the stream ends or fails. The terminal
// chunk carries the error, io.EOF included.
func pump(ctx context.Context, stream ai.TextStream, out chan<- chunk) {
	defer close(out)
	for {
		text, err := stream.Recv()
		select {
		case out <- chunk{text: text, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
