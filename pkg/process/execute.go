// Package process spawns child processes with owned stdio pipes and delivers
// termination signals to them.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
)

// ExecutionConfig describes the program to spawn
type ExecutionConfig struct {
	Command          []string          `yaml:"command"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
}

func (c ExecutionConfig) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return errors.NewValidationError("command cannot be empty", nil)
	}
	if c.WorkingDirectory != "" {
		info, err := os.Stat(c.WorkingDirectory)
		if err != nil {
			return errors.NewValidationError("working directory is not accessible", err).
				WithContext("working_directory", c.WorkingDirectory)
		}
		if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory", nil).
				WithContext("working_directory", c.WorkingDirectory)
		}
	}
	return nil
}

// Spawned is a started child. The parent owns the three pipe ends and must close them.
type Spawned struct {
	Cmd    *exec.Cmd
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

func (s *Spawned) Pid() int {
	return s.Cmd.Process.Pid
}

// ClosePipes closes every parent-side pipe end still open
func (s *Spawned) ClosePipes() error {
	var err error
	for _, f := range []*os.File{s.Stdin, s.Stdout, s.Stderr} {
		if f != nil {
			if closeErr := f.Close(); closeErr != nil && !errors.IsAlreadyClosed(closeErr) {
				err = multierr.Append(err, closeErr)
			}
		}
	}
	return err
}

type pipePair struct {
	r, w *os.File
}

func (p pipePair) close() {
	p.r.Close()
	p.w.Close()
}

// Execute spawns config.Command in its own process group with stdin, stdout and
// stderr connected to fresh pipes. The environment is added to the inherited one.
func Execute(config ExecutionConfig, id string, logger logging.Logger) (*Spawned, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Debugf("Executing command, id: %s, command: %v", id, config.Command)

	cmd := exec.Command(config.Command[0], config.Command[1:]...)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = mergeEnvironment(os.Environ(), config.Environment)
	configureProcessGroup(cmd)

	var pipes []pipePair
	closeAll := func() {
		for _, p := range pipes {
			p.close()
		}
	}
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, errors.NewSpawnError("failed to create pipe", err).WithContext("id", id)
		}
		pipes = append(pipes, pipePair{r: r, w: w})
	}
	stdin, stdout, stderr := pipes[0], pipes[1], pipes[2]

	cmd.Stdin = stdin.r
	cmd.Stdout = stdout.w
	cmd.Stderr = stderr.w

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, errors.NewSpawnError("failed to start process", err).
			WithContext("id", id).
			WithContext("command", config.Command[0]).
			WithContext("category", CategorizeSpawnError(err))
	}

	// The child holds its own copies of these ends now
	stdin.r.Close()
	stdout.w.Close()
	stderr.w.Close()

	logger.Infof("Process started, id: %s, PID: %d", id, cmd.Process.Pid)

	return &Spawned{
		Cmd:    cmd,
		Stdin:  stdin.w,
		Stdout: stdout.r,
		Stderr: stderr.r,
	}, nil
}

func mergeEnvironment(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; !overridden {
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

const (
	SpawnErrorExecutableNotFound = "executable_not_found"
	SpawnErrorPermissionDenied   = "permission_denied"
	SpawnErrorResourceLimit      = "resource_limit"
	SpawnErrorUnknown            = "unknown"
)

// CategorizeSpawnError classifies a start failure from its message
func CategorizeSpawnError(err error) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "executable file not found") ||
		strings.Contains(errStr, "cannot find the file"):
		return SpawnErrorExecutableNotFound
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return SpawnErrorPermissionDenied
	case strings.Contains(errStr, "resource temporarily unavailable") ||
		strings.Contains(errStr, "too many open files") ||
		strings.Contains(errStr, "out of memory"):
		return SpawnErrorResourceLimit
	default:
		return SpawnErrorUnknown
	}
}
