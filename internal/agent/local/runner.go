// Package local runs the agent CLI as a subprocess on the host.
package local

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/procutil"
)

// Runner invokes the configured agent command once per request. The prompt
// goes to stdin; the invocation contract travels in the environment; stdout
// and stderr are streamed line by line.
type Runner struct {
	command string
	logger  *logger.Logger
}

// NewRunner builds a subprocess runner for the configured agent command.
func NewRunner(cfg config.AgentConfig, log *logger.Logger) *Runner {
	return &Runner{
		command: cfg.Command,
		logger:  log.WithFields(zap.String("component", "agent_local")),
	}
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Run executes one agent invocation and blocks until it exits. The context
// is not used to kill the process: shutdown lets in-flight phases finish
// and the watchdog owns termination of overdue runs.
func (r *Runner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	cmd := exec.Command(r.command)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(),
		agent.EnvSystemPrompt+"="+req.SystemPrompt,
		agent.EnvAllowedTools+"="+strings.Join(req.AllowedTools, ","),
		agent.EnvSessionID+"="+req.SessionID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", agent.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", agent.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", agent.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrSpawnFailed, err)
	}
	r.logger.Debug("agent started",
		zap.String("command", r.command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", req.WorkDir))

	if req.OnStart != nil {
		req.OnStart(&process{cmd: cmd})
	}

	go func() {
		_, _ = io.WriteString(stdin, req.Prompt)
		_ = stdin.Close()
	}()

	var mu sync.Mutex
	var output strings.Builder
	var newSessionID string
	var scanErr error

	emit := func(line string, fromStdout bool) {
		if fromStdout && strings.HasPrefix(line, agent.SessionMarker) {
			mu.Lock()
			newSessionID = strings.TrimSpace(strings.TrimPrefix(line, agent.SessionMarker))
			mu.Unlock()
			return
		}
		mu.Lock()
		output.WriteString(line)
		output.WriteByte('\n')
		mu.Unlock()
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}

	var wg sync.WaitGroup
	scan := func(pipe io.Reader, fromStdout bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(pipe)
		// Agent output lines can carry large JSON payloads.
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit(scanner.Text(), fromStdout)
		}
		if err := scanner.Err(); err != nil {
			mu.Lock()
			if scanErr == nil {
				scanErr = err
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan(stdout, true)
	go scan(stderr, false)
	wg.Wait()

	waitErr := cmd.Wait()
	code := procutil.ExitCode(waitErr)

	mu.Lock()
	result := &agent.Result{Output: output.String(), NewSessionID: newSessionID}
	readErr := scanErr
	mu.Unlock()

	if readErr != nil {
		return result, fmt.Errorf("%w: %v", agent.ErrIO, readErr)
	}
	if code != 0 {
		return result, fmt.Errorf("agent exited with code %d", code)
	}
	return result, nil
}
