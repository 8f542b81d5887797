package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInputMount = "/input"
	// DefaultMaxOutputBytes caps how much of each output stream is kept.
	DefaultMaxOutputBytes = 4 << 20
	cleanupTimeout        = 5 * time.Second
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assess",
		Subsystem: "container",
		Name:      "run_duration_seconds",
		Help:      "Duration of analysis container runs",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"image"})

	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assess",
		Subsystem: "container",
		Name:      "runs_total",
		Help:      "Analysis container runs by outcome",
	}, []string{"image", "outcome"})
)

// ErrTimedOut is returned when a container run exceeds its deadline.
var ErrTimedOut = errors.New("container run timed out")

// Executor runs a single command inside a sandboxed container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one container run. InputDir is bind mounted read-only at the executor's input mount.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Env           []string
	Timeout       time.Duration
	InputDir      string
	MemoryLimitMB int64
	CPUShares     int64
}

// ExecutionResult summarises the outcome of a container run.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Config groups executor configuration values. Per-request limits override the defaults here.
type Config struct {
	Host           string
	Timeout        time.Duration
	MemoryLimitMB  int64
	CPUShares      int64
	InputMount     string
	MaxOutputBytes int64
	Logger         zerolog.Logger
}

// DockerExecutor implements Executor using the Docker engine API.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor constructs a Docker backed executor.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.InputMount == "" {
		cfg.InputMount = defaultInputMount
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/assess-pipeline/pkg/docker"),
		logger: logger.With().Str("component", "docker_executor").Logger(),
	}, nil
}

// InputMount is the path InputDir appears under inside the container.
func (e *DockerExecutor) InputMount() string {
	return e.cfg.InputMount
}

// Run executes the request in a network-less, read-only container and collects its output.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, outcome, err := e.run(ctx, req)
	result.Duration = time.Since(start)

	runDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())
	runOutcomes.WithLabelValues(req.Image, outcome).Inc()
	span.SetAttributes(attribute.String("docker.outcome", outcome), attribute.Int("docker.exit_code", result.ExitCode))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if result.TimedOut {
			return result, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		}
		return result, err
	}
	return result, nil
}

func (e *DockerExecutor) run(ctx context.Context, req ExecutionRequest) (ExecutionResult, string, error) {
	var result ExecutionResult

	created, err := e.client.ContainerCreate(ctx, e.containerConfig(req), e.hostConfig(req), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return result, "create_failed", fmt.Errorf("container create: %w", err)
	}
	containerID := created.ID
	defer e.remove(containerID)

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result, "start_failed", fmt.Errorf("container start: %w", err)
	}

	exitCode, err := e.wait(ctx, containerID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.TimedOut = true
			e.kill(containerID)
			return result, "timeout", err
		}
		return result, "wait_failed", fmt.Errorf("container wait: %w", err)
	}
	result.ExitCode = exitCode

	// The run deadline may be spent by now; log collection gets its own budget.
	logsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.collect(logsCtx, containerID, &result); err != nil {
		return result, "logs_failed", fmt.Errorf("container logs: %w", err)
	}

	if result.ExitCode != 0 {
		return result, "nonzero_exit", nil
	}
	return result, "ok", nil
}

func (e *DockerExecutor) containerConfig(req ExecutionRequest) *container.Config {
	return &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             req.Env,
		WorkingDir:      e.cfg.InputMount,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}
}

func (e *DockerExecutor) hostConfig(req ExecutionRequest) *container.HostConfig {
	memoryMB := req.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = e.cfg.MemoryLimitMB
	}
	cpuShares := req.CPUShares
	if cpuShares <= 0 {
		cpuShares = e.cfg.CPUShares
	}

	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memoryMB << 20,
			CPUShares: cpuShares,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
	}
	if req.InputDir != "" {
		host.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   req.InputDir,
			Target:   e.cfg.InputMount,
			ReadOnly: true,
		}}
	}
	return host
}

func (e *DockerExecutor) wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *DockerExecutor) collect(ctx context.Context, containerID string, result *ExecutionResult) error {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.truncated || stderr.truncated
	if result.Truncated {
		e.logger.Warn().Str("container_id", containerID).Int64("limit", e.cfg.MaxOutputBytes).Msg("container output truncated")
	}
	return nil
}

func (e *DockerExecutor) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
	}
}

func (e *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
	}
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// cappedBuffer keeps the first limit bytes written and silently drops the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(len(b.buf))
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case int64(len(p)) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}
