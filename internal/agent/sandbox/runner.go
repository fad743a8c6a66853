// Package sandbox runs the agent CLI inside a Docker container with the
// task workspace bind-mounted and a memory cap applied.
package sandbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
)

// Runner executes agent invocations in containers. One container per run;
// the workspace is bind-mounted at its host path so artifact checks and
// commits observe the same tree.
type Runner struct {
	cli     *client.Client
	cfg     config.SandboxConfig
	command string
	logger  *logger.Logger
}

// NewRunner connects to the Docker daemon.
func NewRunner(cfg config.SandboxConfig, agentCfg config.AgentConfig, log *logger.Logger) (*Runner, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runner{
		cli:     cli,
		cfg:     cfg,
		command: agentCfg.Command,
		logger:  log.WithFields(zap.String("component", "agent_sandbox")),
	}, nil
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Ping reports whether the Docker daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

type containerProcess struct {
	cli *client.Client
	id  string
}

func (p *containerProcess) Terminate() error {
	return p.cli.ContainerKill(context.Background(), p.id, "TERM")
}

func (p *containerProcess) Kill() error {
	return p.cli.ContainerKill(context.Background(), p.id, "KILL")
}

// Run creates, starts and waits for one agent container. The prompt rides
// in the environment since no stdin is attached; output is streamed from
// the container log endpoint.
func (r *Runner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	name := "conveyor-agent-" + uuid.New().String()[:8]

	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{r.command},
		WorkingDir: req.WorkDir,
		Env: []string{
			agent.EnvSystemPrompt + "=" + req.SystemPrompt,
			agent.EnvAllowedTools + "=" + strings.Join(req.AllowedTools, ","),
			agent.EnvSessionID + "=" + req.SessionID,
			agent.EnvPrompt + "=" + req.Prompt,
		},
		Labels: map[string]string{"conveyor.role": "agent"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkDir,
			Target: req.WorkDir,
		}},
		Resources: container.Resources{
			Memory: r.cfg.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil && strings.Contains(err.Error(), "No such image") {
		if pullErr := r.pullImage(ctx); pullErr != nil {
			return nil, fmt.Errorf("%w: %v", agent.ErrSpawnFailed, pullErr)
		}
		resp, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", agent.ErrSpawnFailed, err)
	}
	id := resp.ID
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
	}()

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", agent.ErrSpawnFailed, err)
	}
	r.logger.Debug("agent container started",
		zap.String("container_id", id),
		zap.String("image", r.cfg.Image),
		zap.String("workdir", req.WorkDir))

	if req.OnStart != nil {
		req.OnStart(&containerProcess{cli: r.cli, id: id})
	}

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: container logs: %v", agent.ErrIO, err)
	}

	var mu sync.Mutex
	var output strings.Builder
	var newSessionID string
	var scanErr error

	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer pw.Close()
		defer logs.Close()
		demultiplex(logs, pw)
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, agent.SessionMarker) {
				mu.Lock()
				newSessionID = strings.TrimSpace(strings.TrimPrefix(line, agent.SessionMarker))
				mu.Unlock()
				continue
			}
			mu.Lock()
			output.WriteString(line)
			output.WriteByte('\n')
			mu.Unlock()
			if req.OnLine != nil {
				req.OnLine(line)
			}
		}
		if err := scanner.Err(); err != nil {
			mu.Lock()
			if scanErr == nil {
				scanErr = err
			}
			mu.Unlock()
		}
	}()

	code, waitErr := r.waitContainer(ctx, id)
	wg.Wait()

	mu.Lock()
	result := &agent.Result{Output: output.String(), NewSessionID: newSessionID}
	readErr := scanErr
	mu.Unlock()

	if waitErr != nil {
		return result, fmt.Errorf("%w: %v", agent.ErrIO, waitErr)
	}
	if readErr != nil {
		return result, fmt.Errorf("%w: %v", agent.ErrIO, readErr)
	}
	if code != 0 {
		return result, fmt.Errorf("agent exited with code %d", code)
	}
	return result, nil
}

func (r *Runner) pullImage(ctx context.Context) error {
	r.logger.Info("pulling sandbox image", zap.String("image", r.cfg.Image))
	reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (r *Runner) waitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", id, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// demultiplex unpacks Docker's multiplexed log stream. Each frame carries
// an 8-byte header: stream type, three reserved bytes, then a big-endian
// length. Stdout and stderr frames both feed the writer.
func demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			if _, err := writer.Write(data); err != nil {
				return
			}
		}
	}
}
