package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Iron-Ham/troupe/internal/logging"
)

// RolePlaceholder in ExecLauncher args is replaced with the role id.
const RolePlaceholder = "{role}"

// workerLine is one JSON line of the worker protocol:
//
//	{"type":"heartbeat","status":"busy"}
//	{"type":"event","event_type":"task_completion","payload":{"task":"x"}}
type workerLine struct {
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ExecLauncher runs each worker as a child process in its own process group.
type ExecLauncher struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Logger  *logging.Logger
}

// Launch starts the worker command for roleID. The environment carries
// TROUPE_ROLE_ID and TROUPE_WORKER_ID.
func (l *ExecLauncher) Launch(ctx context.Context, roleID, workerID string, sink Sink) (Handle, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("no worker command configured")
	}
	logger := l.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithRole(roleID).WithComponent("worker")

	args := make([]string, len(l.Args))
	for i, a := range l.Args {
		args[i] = strings.ReplaceAll(a, RolePlaceholder, roleID)
	}

	cmd := exec.Command(l.Command, args...)
	cmd.Dir = l.WorkDir
	cmd.Env = append(append(os.Environ(), l.Env...),
		"TROUPE_ROLE_ID="+roleID,
		"TROUPE_WORKER_ID="+workerID,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &logWriter{logger: logger}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}
	logger.Info("worker started", "worker_id", workerID, "pid", cmd.Process.Pid)

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		readProtocol(stdout, roleID, sink, logger)
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func readProtocol(r io.Reader, roleID string, sink Sink, logger *logging.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg workerLine
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("worker output", "line", string(line))
			continue
		}
		switch msg.Type {
		case "heartbeat":
			sink.Heartbeat(roleID, ParseStatus(msg.Status))
		case "event":
			sink.WorkerEvent(roleID, msg.EventType, msg.Payload)
		default:
			logger.Warn("unknown worker message type", "type", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("worker output read failed", "error", err)
	}
}

// process is the Handle of an ExecLauncher worker.
type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop sends SIGTERM to the process group, then SIGKILL after grace.
func (p *process) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		pgid := -p.cmd.Process.Pid
		if e := syscall.Kill(pgid, syscall.SIGTERM); e != nil && e != syscall.ESRCH {
			err = fmt.Errorf("sigterm: %w", e)
			return
		}
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
		if e := syscall.Kill(pgid, syscall.SIGKILL); e != nil && e != syscall.ESRCH {
			err = fmt.Errorf("sigkill: %w", e)
			return
		}
		<-p.done
	})
	return err
}

// logWriter forwards worker stderr lines to the logger.
type logWriter struct {
	logger *logging.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("worker stderr", "line", line)
		}
	}
	return len(b), nil
}
