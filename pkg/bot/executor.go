package bot

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/mediabot/pkg/browser"
	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/media"
	"github.com/psantana5/mediabot/pkg/models"
)

// Fetcher runs browser tasks
type Fetcher interface {
	Fetch(ctx context.Context, task browser.Task) (*models.BrowserResult, error)
}

// Encoder runs media conversions and owns their temp inputs
type Encoder interface {
	Transcode(ctx context.Context, in media.Input) (*models.MediaArtifact, error)
	TranscodeFile(ctx context.Context, jobID, path, format string) (*models.MediaArtifact, error)
	WriteInput(jobID, ext string, data []byte) (string, error)
	RemoveInput(path string)
}

// Executor routes each job kind to the runner that performs it
type Executor struct {
	fetcher Fetcher
	encoder Encoder
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewExecutor creates an executor over the given runners
func NewExecutor(fetcher Fetcher, encoder Encoder, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{
		fetcher: fetcher,
		encoder: encoder,
		logger:  logger.WithField("component", "executor"),
		tracer:  otel.Tracer("github.com/psantana5/mediabot/pkg/bot"),
	}
}

// Execute implements scheduler.Executor for one attempt of job
func (e *Executor) Execute(ctx context.Context, job models.Job) (*models.JobResult, error) {
	ctx, span := e.tracer.Start(ctx, "execute."+string(job.Kind),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", string(job.Kind)),
		))
	defer span.End()

	result, err := e.execute(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(models.KindOf(err)))
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, job models.Job) (*models.JobResult, error) {
	switch job.Kind {
	case models.JobKindBrowserFetch:
		res, err := e.fetcher.Fetch(ctx, browser.Task{Target: job.Payload.Target, Script: job.Payload.Script})
		if err != nil {
			return nil, err
		}
		return &models.JobResult{Browser: res}, nil

	case models.JobKindTranscode:
		art, err := e.encoder.Transcode(ctx, media.Input{
			JobID:  job.ID,
			Source: job.Payload.Target,
			Format: job.Payload.Format,
		})
		if err != nil {
			return nil, err
		}
		return &models.JobResult{Media: art}, nil

	case models.JobKindCapture:
		return e.capture(ctx, job)

	default:
		return nil, models.NewInputError("execute", fmt.Sprintf("unknown job kind %q", job.Kind), nil)
	}
}

// capture screenshots the target and encodes the image into the requested
// format. The screenshot is kept only for the duration of the encode.
func (e *Executor) capture(ctx context.Context, job models.Job) (*models.JobResult, error) {
	format := job.Payload.Format
	if format == "" {
		format = "png"
	}
	f, ok := media.LookupFormat(format)
	if !ok {
		return nil, models.NewInputError("capture",
			fmt.Sprintf("unsupported format %q (supported: %s)", format, strings.Join(media.FormatNames(), ", ")), nil)
	}

	shot, err := e.fetcher.Fetch(ctx, browser.Task{Target: job.Payload.Target, Screenshot: true})
	if err != nil {
		return nil, err
	}

	input, err := e.encoder.WriteInput(job.ID, ".png", shot.Content)
	if err != nil {
		return nil, err
	}
	defer e.encoder.RemoveInput(input)

	art, err := e.encoder.TranscodeFile(ctx, job.ID, input, f.Name)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Capture encoded", logging.Fields{"job_id": job.ID, "format": f.Name, "bytes": art.SizeBytes})
	page := *shot
	page.Content = nil
	return &models.JobResult{Browser: &page, Media: art}, nil
}
