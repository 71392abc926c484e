package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/ratelimit"
	"github.com/psantana5/mediabot/pkg/retry"
	"github.com/psantana5/mediabot/pkg/scheduler"
	"github.com/psantana5/mediabot/pkg/transport"
)

// ErrClosed is returned by HandlePayload after Close
var ErrClosed = errors.New("dispatcher closed")

// Scheduler is the part of the job scheduler the dispatcher drives
type Scheduler interface {
	Submit(req models.JobRequest, onDone scheduler.CompletionFunc) (string, error)
	Cancel(jobID string) error
	Get(jobID string) (models.Job, error)
}

// ArtifactReleaser deletes a media artifact once its reply is done with it
type ArtifactReleaser interface {
	Release(a *models.MediaArtifact) error
}

// Decoder turns a raw webhook body into a chat event
type Decoder func(body []byte) (models.ChatEvent, error)

// JSONDecoder decodes the generic models.ChatEvent JSON shape
func JSONDecoder(body []byte) (models.ChatEvent, error) {
	var event models.ChatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, models.NewInputError("decode", "malformed event payload", err)
	}
	if event.Conversation.ChannelID == "" || event.Conversation.UserID == "" {
		return event, models.NewInputError("decode", "event is missing channel_id or user_id", nil)
	}
	if event.Conversation.Platform == "" {
		event.Conversation.Platform = "webhook"
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	return event, nil
}

// Config holds dispatcher settings
type Config struct {
	Prefix             string
	DeliveryAttempts   int
	DeliveryTimeout    time.Duration
	DeliveryBackoff    time.Duration
	AckSubmissions     bool
	RateLimitPerMinute int // 0 disables
	MaxMessageLength   int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Prefix:           "!",
		DeliveryAttempts: 3,
		DeliveryTimeout:  10 * time.Second,
		DeliveryBackoff:  500 * time.Millisecond,
		AckSubmissions:   true,
		MaxMessageLength: 2000,
	}
}

// Dispatcher turns chat events into jobs and job outcomes into replies.
// Handle never waits for job execution or reply delivery.
type Dispatcher struct {
	cfg       Config
	sched     Scheduler
	transport transport.Transport
	releaser  ArtifactReleaser
	decode    Decoder
	limiter   *ratelimit.Limiter
	metrics   *metrics.Recorder
	logger    *logging.Logger
	pick      func(n int) int

	// ctx bounds background deliveries; it outlives individual events
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures optional collaborators
type Option func(*Dispatcher)

// WithReleaser deletes delivered artifacts through r
func WithReleaser(r ArtifactReleaser) Option {
	return func(d *Dispatcher) { d.releaser = r }
}

// WithDecoder replaces the webhook payload decoder
func WithDecoder(dec Decoder) Option {
	return func(d *Dispatcher) { d.decode = dec }
}

// WithMetrics records command and delivery metrics
func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher replying through tr
func New(cfg Config, sched Scheduler, tr transport.Transport, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = def.DeliveryAttempts
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.DeliveryBackoff <= 0 {
		cfg.DeliveryBackoff = def.DeliveryBackoff
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		sched:     sched,
		transport: tr,
		decode:    JSONDecoder,
		pick:      rand.IntN,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	d.logger = d.logger.WithField("component", "dispatcher")
	if cfg.RateLimitPerMinute > 0 {
		d.limiter = ratelimit.PerMinute(cfg.RateLimitPerMinute)
	}
	return d
}

// Handle processes one chat event. It returns once the event is parsed and
// any job is queued; replies are delivered in the background.
func (d *Dispatcher) Handle(ctx context.Context, event models.ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command handler panicked", logging.Fields{
				"panic":   fmt.Sprint(r),
				"channel": event.Conversation.ChannelID,
			})
			d.reply(event.Conversation, transport.Message{Text: msgUnexpected}, nil)
		}
	}()

	if d.isClosed() {
		return
	}

	cmd, ok, err := Parse(d.cfg.Prefix, event.Text)
	if !ok {
		return
	}
	log := d.logger.WithFields(logging.Fields{
		"command": cmd.Name,
		"user":    event.Conversation.UserID,
		"channel": event.Conversation.ChannelID,
	})

	if d.limiter != nil && !d.limiter.Allow(event.Conversation.Key()) {
		log.Debug("Command rate limited")
		d.reply(event.Conversation, transport.Message{Text: msgRateLimited}, nil)
		return
	}

	if err != nil {
		d.metrics.Command("unknown")
		log.Debug("Unknown command")
		d.reply(event.Conversation, transport.Message{Text: fmt.Sprintf(msgUnknownFmt, cmd.Name, d.cfg.Prefix)}, nil)
		return
	}
	d.metrics.Command(cmd.Name)

	switch cmd.Name {
	case CmdHelp:
		d.reply(event.Conversation, transport.Message{Text: helpText(d.cfg.Prefix)}, nil)
		return
	case CmdPick:
		d.handlePick(event.Conversation, cmd)
		return
	case CmdStatus:
		d.handleStatus(event.Conversation, cmd)
		return
	case CmdCancel:
		d.handleCancel(event.Conversation, cmd, log)
		return
	}

	req, _, err := cmd.JobRequest(event)
	if err != nil {
		d.reply(event.Conversation, transport.Message{Text: inputText(err)}, nil)
		return
	}
	d.submit(req, log)
}

// HandlePayload decodes a webhook body and handles the resulting event.
// Decode failures are returned so the caller can reject the request.
func (d *Dispatcher) HandlePayload(ctx context.Context, body []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	event, err := d.decode(body)
	if err != nil {
		return err
	}
	d.Handle(ctx, event)
	return nil
}

func (d *Dispatcher) submit(req models.JobRequest, log *logging.Logger) {
	conv := req.Conversation
	// the completion reply waits for the ack so a fast job cannot overtake it
	acked := make(chan struct{})
	id, err := d.sched.Submit(req, func(job models.Job) { d.onComplete(job, acked) })
	if err != nil {
		close(acked)
		switch {
		case errors.Is(err, models.ErrQueueFull):
			log.Warn("Queue full, rejecting command")
			d.reply(conv, transport.Message{Text: msgBusy}, nil)
		case errors.Is(err, scheduler.ErrStopped):
			d.reply(conv, transport.Message{Text: msgUnavailable}, nil)
		case errors.Is(err, models.ErrInput):
			d.reply(conv, transport.Message{Text: failureText(models.ErrorKindInput)}, nil)
		default:
			log.Error("Submit failed", logging.Fields{"error": err.Error()})
			d.reply(conv, transport.Message{Text: msgUnexpected}, nil)
		}
		return
	}

	log.Info("Job submitted", logging.Fields{"job_id": id, "kind": req.Kind})
	if !d.cfg.AckSubmissions {
		close(acked)
		return
	}
	d.reply(conv, transport.Message{Text: fmt.Sprintf(msgAccepted, id)}, func() { close(acked) })
}

// onComplete runs on a scheduler goroutine and must not block.
// Delivery starts once acked is closed.
func (d *Dispatcher) onComplete(job models.Job, acked <-chan struct{}) {
	msg := completionMessage(job)
	var cleanup func()
	if job.Result != nil && job.Result.Media != nil && d.releaser != nil {
		artifact := job.Result.Media
		cleanup = func() {
			if err := d.releaser.Release(artifact); err != nil {
				d.logger.Warn("Failed to release artifact", logging.Fields{"job_id": job.ID, "error": err.Error()})
			}
		}
	}
	d.send(acked, job.Conversation, msg, cleanup)
}

func (d *Dispatcher) handlePick(conv models.ConversationContext, cmd Command) {
	opts := pickOptions(cmd.Rest)
	if len(opts) == 0 {
		d.reply(conv, transport.Message{Text: msgNoOptions}, nil)
		return
	}
	choice := opts[d.pick(len(opts))]
	d.reply(conv, transport.Message{Text: fmt.Sprintf("I pick **%s**.", choice)}, nil)
}

func (d *Dispatcher) handleStatus(conv models.ConversationContext, cmd Command) {
	if len(cmd.Args) != 1 {
		d.reply(conv, transport.Message{Text: "usage: " + d.cfg.Prefix + usage[CmdStatus]}, nil)
		return
	}
	job, err := d.sched.Get(cmd.Args[0])
	if err != nil || job.Conversation.UserID != conv.UserID {
		d.reply(conv, transport.Message{Text: msgNotFound}, nil)
		return
	}
	d.reply(conv, transport.Message{Text: statusText(job)}, nil)
}

func (d *Dispatcher) handleCancel(conv models.ConversationContext, cmd Command, log *logging.Logger) {
	if len(cmd.Args) != 1 {
		d.reply(conv, transport.Message{Text: "usage: " + d.cfg.Prefix + usage[CmdCancel]}, nil)
		return
	}
	id := cmd.Args[0]
	// Only the requester may cancel a job
	if job, err := d.sched.Get(id); err != nil || job.Conversation.UserID != conv.UserID {
		d.reply(conv, transport.Message{Text: msgNotFound}, nil)
		return
	}

	switch err := d.sched.Cancel(id); {
	case err == nil:
		log.Info("Job cancel requested", logging.Fields{"job_id": id})
		// The completion callback reports the final state
		if d.cfg.AckSubmissions {
			d.reply(conv, transport.Message{Text: fmt.Sprintf(msgCancelling, shortID(id))}, nil)
		}
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		d.reply(conv, transport.Message{Text: msgAlreadyDone}, nil)
	default:
		d.reply(conv, transport.Message{Text: msgNotFound}, nil)
	}
}

// reply delivers msg in the background with bounded retries. cleanup, if
// set, runs after the last attempt whatever the outcome.
func (d *Dispatcher) reply(conv models.ConversationContext, msg transport.Message, cleanup func()) {
	d.send(nil, conv, msg, cleanup)
}

// send delivers msg in the background after the after channel closes.
// cleanup runs once delivery has finished or been dropped.
func (d *Dispatcher) send(after <-chan struct{}, conv models.ConversationContext, msg transport.Message, cleanup func()) {
	msg.Text = truncate(strings.TrimSpace(msg.Text), d.cfg.MaxMessageLength)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		if cleanup != nil {
			defer cleanup()
		}
		if after != nil {
			select {
			case <-after:
			case <-d.ctx.Done():
			}
		}
		d.deliver(conv, msg)
	}()
}

func (d *Dispatcher) deliver(conv models.ConversationContext, msg transport.Message) {
	policy := retry.Policy{
		MaxRetries:     d.cfg.DeliveryAttempts - 1,
		InitialBackoff: d.cfg.DeliveryBackoff,
		MaxBackoff:     10 * d.cfg.DeliveryBackoff,
		Multiplier:     2,
	}
	name := d.transport.Name()

	err := retry.Do(d.ctx, policy, func(attempt int) error {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		err := d.transport.Send(ctx, conv, msg)
		if err != nil {
			d.metrics.Delivery(name, false)
			d.logger.Debug("Reply delivery attempt failed", logging.Fields{
				"attempt": attempt,
				"channel": conv.ChannelID,
				"error":   err.Error(),
			})
			if !errors.Is(err, models.ErrTransportDelivery) {
				err = models.NewJobError(models.ErrorKindTransportDelivery, "deliver", "reply delivery failed", err)
			}
			return err
		}
		d.metrics.Delivery(name, true)
		return nil
	})
	if err != nil {
		d.logger.Warn("Dropping reply after failed delivery", logging.Fields{
			"transport": name,
			"channel":   conv.ChannelID,
			"user":      conv.UserID,
			"error":     err.Error(),
		})
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting events and waits for in-flight deliveries. When ctx
// ends first, remaining deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}
