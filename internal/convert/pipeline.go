// Package convert turns an article URL into an e-book file by piping an
// extractor process into a converter process.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/config"
)

// State is the progress of one conversion.
type State int

const (
	StateSpawned State = iota
	StateExtractorDone
	StateConverterDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateExtractorDone:
		return "extractor-done"
	case StateConverterDone:
		return "converter-done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// errConverterExited unblocks an extractor still writing after the converter
// is gone.
var errConverterExited = errors.New("converter exited")

// Artifact is a converted file. The caller owns it and must call Cleanup.
type Artifact struct {
	File *os.File
	Path string
}

// Cleanup closes and removes the file. Safe to call more than once.
func (a *Artifact) Cleanup() error {
	if a == nil || a.File == nil {
		return nil
	}
	closeErr := a.File.Close()
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	removeErr := os.Remove(a.Path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(closeErr, removeErr)
}

// Pipeline runs extractor | converter for one article at a time.
type Pipeline struct {
	extractor    []string
	converter    []string
	inputFormat  string
	outputFormat string
	timeout      time.Duration

	runner  Runner
	tempDir string
	stderr  io.Writer

	// OnState, when set, observes every state transition.
	OnState func(State)
}

// New creates a Pipeline running real processes, with stderr of both
// processes forwarded to the operator's stderr.
func New(cfg config.ConversionConfig) *Pipeline {
	return NewWithRunner(cfg, ExecRunner{}, "", os.Stderr)
}

// NewWithRunner creates a Pipeline using runner. Temp files go to tempDir,
// or the system default when empty.
func NewWithRunner(cfg config.ConversionConfig, runner Runner, tempDir string, stderr io.Writer) *Pipeline {
	return &Pipeline{
		extractor:    cfg.Extractor,
		converter:    cfg.Converter,
		inputFormat:  cfg.InputFormat,
		outputFormat: cfg.OutputFormat,
		timeout:      cfg.Timeout(),
		runner:       runner,
		tempDir:      tempDir,
		stderr:       stderr,
	}
}

// OutputFormat is the converter's target format, e.g. "epub".
func (p *Pipeline) OutputFormat() string {
	return p.outputFormat
}

// ExtractorArgs returns the extractor command line for url.
func (p *Pipeline) ExtractorArgs(url string) []string {
	args := append([]string(nil), p.extractor...)
	return append(args, url)
}

// ConverterArgs returns the converter command line. The converter writes to
// stdout ("-o -"), which is captured into the artifact.
func (p *Pipeline) ConverterArgs(title string) []string {
	args := append([]string(nil), p.converter...)
	return append(args,
		"-f", p.inputFormat,
		"-t", p.outputFormat,
		"-o", "-",
		"--metadata", "title="+title,
	)
}

// Convert extracts url and converts it to the output format. On success the
// artifact is rewound to offset 0; on failure no file is left behind and the
// error matches ErrExtractionFailed or ErrConversionFailed.
func (p *Pipeline) Convert(ctx context.Context, url, title string) (*Artifact, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out, err := os.CreateTemp(p.tempDir, "article-*."+extension(p.outputFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	artifact := &Artifact{File: out, Path: out.Name()}

	if err := p.run(ctx, url, title, out); err != nil {
		p.transition(StateFailed)
		discard(artifact)
		return nil, err
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		p.transition(StateFailed)
		discard(artifact)
		return nil, fmt.Errorf("failed to rewind output: %w", err)
	}
	return artifact, nil
}

// discard removes an artifact on a failure path, logging what it could not
// remove.
func discard(a *Artifact) {
	if err := a.Cleanup(); err != nil {
		log.Warn().Err(err).Str("path", a.Path).Msg("failed to remove temp file")
	}
}

func (p *Pipeline) run(ctx context.Context, url, title string, out *os.File) error {
	extractorArgs := p.ExtractorArgs(url)
	converterArgs := p.ConverterArgs(title)

	pr, pw := io.Pipe()

	extractor, err := p.runner.Start(ctx, CommandSpec{
		Name:   extractorArgs[0],
		Args:   extractorArgs[1:],
		Stdout: pw,
		Stderr: p.stderr,
	})
	if err != nil {
		pw.Close()
		pr.Close()
		return stageError(StageExtract, err)
	}

	converter, err := p.runner.Start(ctx, CommandSpec{
		Name:   converterArgs[0],
		Args:   converterArgs[1:],
		Stdin:  pr,
		Stdout: out,
		Stderr: p.stderr,
	})
	if err != nil {
		// The extractor fails on its next write once nothing reads the pipe.
		pr.CloseWithError(errConverterExited)
		if waitErr := extractor.Wait(); waitErr != nil {
			log.Debug().Err(waitErr).Msg("extractor stopped after converter failed to start")
		}
		pw.Close()
		return stageError(StageConvert, err)
	}
	p.transition(StateSpawned)

	extractorDone := make(chan error, 1)
	converterDone := make(chan error, 1)

	go func() {
		err := extractor.Wait()
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
		extractorDone <- err
	}()
	go func() {
		err := converter.Wait()
		pr.CloseWithError(errConverterExited)
		converterDone <- err
	}()

	extractorErr := <-extractorDone
	converterErr := <-converterDone

	if extractorErr != nil {
		return p.failure(ctx, StageExtract, extractorErr)
	}
	p.transition(StateExtractorDone)

	if converterErr != nil {
		return p.failure(ctx, StageConvert, converterErr)
	}
	p.transition(StateConverterDone)
	return nil
}

func (p *Pipeline) failure(ctx context.Context, stage Stage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(err, ctxErr)
	}
	return stageError(stage, err)
}

func (p *Pipeline) transition(s State) {
	log.Debug().Stringer("state", s).Msg("conversion state")
	if p.OnState != nil {
		p.OnState(s)
	}
}

func extension(format string) string {
	format = strings.ToLower(format)
	if strings.HasPrefix(format, "epub") {
		return "epub"
	}
	if format == "" {
		return "out"
	}
	return format
}
