package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/mediabot/internal/procgroup"
	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/models"
)

// Config holds encoder settings
type Config struct {
	FFmpegPath    string
	FFprobePath   string        // Optional; enables input probing when set and ProbeInput is true
	ProbeInput    bool
	WorkDir       string        // Artifacts and temp inputs live below this directory
	EncodeTimeout time.Duration // Upper bound for one encoder run
}

// Input is one transcode request
type Input struct {
	JobID  string
	Source string // http(s) URL
	Format string
}

// Transcoder runs ffmpeg as a scoped subprocess per request
type Transcoder struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Recorder
}

// stderr fragments that mean the input itself is unusable
var inputFailurePatterns = []string{
	"invalid data found when processing input",
	"no such file or directory",
	"does not contain any stream",
	"output file #0 does not contain any stream",
	"server returned 4",
	"protocol not found",
	"moov atom not found",
	"could not find codec parameters",
}

// stderr fragments that suggest a later attempt may succeed
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"connection timed out",
	"server returned 5",
	"resource temporarily unavailable",
	"temporary failure in name resolution",
}

// NewTranscoder creates the artifact and input directories under cfg.WorkDir
func NewTranscoder(cfg Config, logger *logging.Logger, m *metrics.Recorder) (*Transcoder, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "mediabot")
	}
	if cfg.EncodeTimeout <= 0 {
		cfg.EncodeTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	t := &Transcoder{cfg: cfg, logger: logger.WithField("component", "media"), metrics: m}
	for _, dir := range []string{t.ArtifactDir(), t.InputDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return t, nil
}

// ArtifactDir holds encoder outputs awaiting delivery
func (t *Transcoder) ArtifactDir() string {
	return filepath.Join(t.cfg.WorkDir, "artifacts")
}

// InputDir holds job-scoped temp inputs such as browser screenshots
func (t *Transcoder) InputDir() string {
	return filepath.Join(t.cfg.WorkDir, "inputs")
}

// CheckBinaries verifies the encoder (and prober, when enabled) can be found
func CheckBinaries(cfg Config) error {
	if _, err := exec.LookPath(orDefault(cfg.FFmpegPath, "ffmpeg")); err != nil {
		return fmt.Errorf("encoder binary not found: %w", err)
	}
	if cfg.ProbeInput && cfg.FFprobePath != "" {
		if _, err := exec.LookPath(cfg.FFprobePath); err != nil {
			return fmt.Errorf("probe binary not found: %w", err)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// WriteInput stores data as a job-scoped temp input and returns its path.
// The caller removes it with RemoveInput.
func (t *Transcoder) WriteInput(jobID, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", models.NewInputError("write_input", "empty input", nil)
	}
	path := filepath.Join(t.InputDir(), safeName(jobID)+"."+strings.TrimPrefix(ext, "."))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write input %s: %w", path, err)
	}
	return path, nil
}

// RemoveInput deletes a temp input written by WriteInput
func (t *Transcoder) RemoveInput(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("Failed to remove temp input", logging.Fields{"path": path, "error": err})
	}
}

// Transcode encodes the remote in.Source into in.Format. Only http(s)
// sources are accepted; local files go through TranscodeFile. On every
// failure path the partial output file is removed before returning.
func (t *Transcoder) Transcode(ctx context.Context, in Input) (*models.MediaArtifact, error) {
	format, err := t.checkRequest(in.JobID, in.Format)
	if err != nil {
		return nil, err
	}
	source, err := ValidateRemote(in.Source)
	if err != nil {
		return nil, err
	}
	if err := t.probe(ctx, source, remoteProtocols); err != nil {
		return nil, err
	}
	return t.encode(ctx, in.JobID, format, source, remoteProtocols)
}

// TranscodeFile encodes a temp input written by WriteInput. Paths outside
// InputDir are rejected.
func (t *Transcoder) TranscodeFile(ctx context.Context, jobID, path, format string) (*models.MediaArtifact, error) {
	f, err := t.checkRequest(jobID, format)
	if err != nil {
		return nil, err
	}
	source, err := t.validateLocal(path)
	if err != nil {
		return nil, err
	}
	if err := t.probe(ctx, source, localProtocols); err != nil {
		return nil, err
	}
	return t.encode(ctx, jobID, f, source, localProtocols)
}

const (
	remoteProtocols = "http,https,tcp,tls,crypto"
	localProtocols  = "file"
)

func (t *Transcoder) checkRequest(jobID, name string) (Format, error) {
	format, ok := LookupFormat(name)
	if !ok {
		return Format{}, models.NewInputError("transcode",
			fmt.Sprintf("unsupported format %q (supported: %s)", name, strings.Join(FormatNames(), ", ")), nil)
	}
	if jobID == "" {
		return Format{}, models.NewInputError("transcode", "missing job id", nil)
	}
	return format, nil
}

func (t *Transcoder) encode(ctx context.Context, jobID string, format Format, source, protocols string) (*models.MediaArtifact, error) {
	outPath := filepath.Join(t.ArtifactDir(), safeName(jobID)+"."+format.Ext)
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear stale output: %w", err)
	}

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-protocol_whitelist", protocols,
		"-i", source}
	args = append(args, format.Args...)
	args = append(args, outPath)

	log := t.logger.WithFields(logging.Fields{"job_id": jobID, "format": format.Name})
	log.Debug("Starting encoder", logging.Fields{"source": source})

	ectx, cancel := context.WithTimeout(ctx, t.cfg.EncodeTimeout)
	defer cancel()

	res, runErr := procgroup.Run(ectx, t.cfg.FFmpegPath, args, procgroup.Options{})
	t.metrics.Encode(format.Name, runErr == nil, res.Duration)

	if runErr != nil {
		removePartial(outPath, log)
		return nil, t.classify(ctx, ectx, res, runErr)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		removePartial(outPath, log)
		return nil, models.NewJobError(models.ErrorKindEncode, "encode", "encoder produced no output", err)
	}

	log.Info("Encode finished", logging.Fields{"bytes": info.Size(), "duration": res.Duration.String()})
	return &models.MediaArtifact{
		Path:        outPath,
		Format:      format.Name,
		ContentType: format.ContentType,
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now(),
		Duration:    res.Duration,
	}, nil
}

// Release deletes a delivered artifact
func (t *Transcoder) Release(a *models.MediaArtifact) error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact %s: %w", a.Path, err)
	}
	return nil
}

// ValidateRemote accepts absolute http(s) URLs only. Chat input never
// reaches the encoder as a local path.
func ValidateRemote(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", models.NewInputError("validate", "no input given", nil)
	}
	u, err := url.Parse(source)
	if err != nil {
		return "", models.NewInputError("validate", "input is not a valid URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", models.NewInputError("validate", "input must be an http(s) link", nil)
	}
	if u.Host == "" {
		return "", models.NewInputError("validate", "input URL has no host", nil)
	}
	return u.String(), nil
}

// validateLocal checks a temp input before any process is spawned
func (t *Transcoder) validateLocal(path string) (string, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	rel, err := filepath.Rel(t.InputDir(), path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", models.NewInputError("validate", "input is not a job input", nil)
	}

	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return "", models.NewInputError("validate", "input file does not exist", err)
	case err != nil:
		return "", models.NewInputError("validate", "input file is unreadable", err)
	case !info.Mode().IsRegular():
		return "", models.NewInputError("validate", "input is not a regular file", nil)
	case info.Size() == 0:
		return "", models.NewInputError("validate", "input file is empty", nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", models.NewInputError("validate", "input file is unreadable", err)
	}
	f.Close()

	return path, nil
}

// probe asks ffprobe whether the input has a recognizable container
func (t *Transcoder) probe(ctx context.Context, source, protocols string) error {
	if !t.cfg.ProbeInput || t.cfg.FFprobePath == "" {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := procgroup.Run(pctx, t.cfg.FFprobePath, []string{
		"-v", "error",
		"-protocol_whitelist", protocols,
		"-show_entries", "format=format_name",
		"-of", "csv=p=0",
		source,
	}, procgroup.Options{})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError("probe", err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return models.NewInputError("probe", "input is not a readable media file", errors.New(lastLine(res.Stderr)))
	}
	return fmt.Errorf("ffprobe failed: %w", err)
}

// classify maps an encoder failure onto the error taxonomy
func (t *Transcoder) classify(parent, encode context.Context, res procgroup.Result, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("encode interrupted: %w", parent.Err())
	}
	if errors.Is(encode.Err(), context.DeadlineExceeded) {
		return models.NewTimeoutError("encode", fmt.Errorf("encoder exceeded %s", t.cfg.EncodeTimeout))
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return models.NewJobError(models.ErrorKindEncode, "encode", "encoder could not be started", err)
	}

	stderr := strings.ToLower(res.Stderr)
	diag := errors.New(lastLine(res.Stderr))
	msg := fmt.Sprintf("encoder exited with status %d", res.ExitCode)

	for _, p := range inputFailurePatterns {
		if strings.Contains(stderr, p) {
			return models.NewInputError("encode", msg, diag)
		}
	}
	je := models.NewJobError(models.ErrorKindEncode, "encode", msg, diag)
	for _, p := range transientPatterns {
		if strings.Contains(stderr, p) {
			je.Transient = true
			break
		}
	}
	return je
}

func removePartial(path string, log *logging.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove partial output", logging.Fields{"path": path, "error": err})
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// safeName strips path separators from IDs used in file names
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, filepath.Base(id))
}
