package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/pkg/docker"
)

const containerInputName = "document"

// ContainerConfig configures the container backed analyzer.
type ContainerConfig struct {
	Image      string
	Cmd        []string
	InputMount string
	WorkDir    string
	Logger     zerolog.Logger
}

// ContainerAnalyzer runs an extraction and scoring image against the document.
// The image reads DOCUMENT_PATH and prints {"text","score","feedback","details"} on stdout.
type ContainerAnalyzer struct {
	executor docker.Executor
	cfg      ContainerConfig
	logger   zerolog.Logger
}

// NewContainerAnalyzer builds an analyzer on top of a container executor.
func NewContainerAnalyzer(executor docker.Executor, cfg ContainerConfig) (*ContainerAnalyzer, error) {
	if executor == nil {
		return nil, errors.New("container executor is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("analyzer image is required")
	}
	if cfg.InputMount == "" {
		cfg.InputMount = "/input"
	}

	return &ContainerAnalyzer{
		executor: executor,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "container_analyzer").Logger(),
	}, nil
}

// Analyze stages the document in a temporary directory and runs the image over it.
func (a *ContainerAnalyzer) Analyze(ctx context.Context, doc Document) (Result, error) {
	out, err := a.run(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	if out.Score == nil {
		return Result{}, NewError(ReasonCapabilityUnavailable, errors.New("analyzer output is missing score"))
	}

	details := out.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	details["image"] = a.cfg.Image
	details["duration_ms"] = out.duration.Milliseconds()

	return Result{
		ExtractedText: out.Text,
		Score:         clampScore(*out.Score),
		Feedback:      strings.TrimSpace(out.Feedback),
		Details:       details,
	}, nil
}

// Extract lets the container image act as the text extractor for another analyzer.
// Extraction-only images may omit the score.
func (a *ContainerAnalyzer) Extract(ctx context.Context, doc Document) (string, error) {
	out, err := a.run(ctx, doc)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

type containerOutput struct {
	Text     string                 `json:"text"`
	Score    *float64               `json:"score"`
	Feedback string                 `json:"feedback"`
	Details  map[string]interface{} `json:"details"`
	duration time.Duration
}

func (a *ContainerAnalyzer) run(ctx context.Context, doc Document) (containerOutput, error) {
	if len(doc.Content) == 0 {
		return containerOutput{}, NewError(ReasonUnreadableDocument, errors.New("document is empty"))
	}

	dir, err := os.MkdirTemp(a.cfg.WorkDir, "analysis-*")
	if err != nil {
		return containerOutput{}, NewError(ReasonCapabilityUnavailable, fmt.Errorf("stage document: %w", err))
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	name := containerInputName + strings.ToLower(filepath.Ext(doc.FileName))
	if err := os.WriteFile(filepath.Join(dir, name), doc.Content, 0o644); err != nil {
		return containerOutput{}, NewError(ReasonCapabilityUnavailable, fmt.Errorf("stage document: %w", err))
	}

	run, err := a.executor.Run(ctx, docker.ExecutionRequest{
		Image:    a.cfg.Image,
		Cmd:      a.cfg.Cmd,
		InputDir: dir,
		Env: []string{
			"DOCUMENT_PATH=" + path.Join(a.cfg.InputMount, name),
			"DOCUMENT_CONTENT_TYPE=" + doc.ContentType,
		},
	})
	if err != nil {
		if run.TimedOut || errors.Is(err, docker.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
			return containerOutput{}, NewError(ReasonTimeout, err)
		}
		return containerOutput{}, NewError(ReasonCapabilityUnavailable, err)
	}

	if run.ExitCode != 0 {
		a.logger.Warn().Int("exit_code", run.ExitCode).Str("stderr", truncate(run.Stderr, 512)).Msg("analyzer container rejected document")
		return containerOutput{}, NewError(ReasonUnreadableDocument, fmt.Errorf("analyzer exited with code %d", run.ExitCode))
	}

	out, err := parseContainerOutput(run.Stdout)
	if err != nil {
		return containerOutput{}, NewError(ReasonCapabilityUnavailable, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return containerOutput{}, NewError(ReasonUnreadableDocument, errors.New("no text extracted"))
	}
	out.duration = run.Duration

	return out, nil
}

func parseContainerOutput(stdout string) (containerOutput, error) {
	trimmed := strings.TrimSpace(stdout)
	if idx := strings.LastIndex(trimmed, "\n{"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}

	var out containerOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return containerOutput{}, fmt.Errorf("parse analyzer output: %w", err)
	}
	return out, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
