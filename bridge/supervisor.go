package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/groundlink/internal/reliability"
)

// Task is one supervised forwarder. Run is called again on restart, so it
// must acquire its own connections on every call.
type Task struct {
	Path Path
	Run  func(ctx context.Context) error
}

// Supervisor runs forwarders concurrently. The first fatal error cancels
// the others, waits for them to close their connections and is returned.
type Supervisor struct {
	tasks   []Task
	restart reliability.RetryPolicy
	logger  *slog.Logger
	state   *State
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithRestartPolicy restarts a failed forwarder while policy allows it.
// Without one, any failure stops the supervisor.
func WithRestartPolicy(policy reliability.RetryPolicy) SupervisorOption {
	return func(s *Supervisor) {
		s.restart = policy
	}
}

// WithSupervisorLogger sets the logger
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithSupervisorState records forwarder liveness in state
func WithSupervisorState(state *State) SupervisorOption {
	return func(s *Supervisor) {
		s.state = state
	}
}

// NewSupervisor creates a supervisor for tasks
func NewSupervisor(tasks []Task, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		tasks:  tasks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled (nil) or a forwarder fails for good
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return fmt.Errorf("%w: no forwarders to supervise", ErrInvalidConfiguration)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		g.Go(func() error {
			return s.runTask(gctx, task)
		})
	}

	err := g.Wait()
	if err != nil {
		s.logger.Error("bridge stopped", "error", err)
		return err
	}
	s.logger.Info("bridge stopped")
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, task Task) error {
	logger := s.logger.With("path", task.Path)

	for attempt := 0; ; attempt++ {
		s.state.setRunning(task.Path, true)
		err := task.Run(ctx)
		s.state.setRunning(task.Path, false)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s: %w", task.Path, ErrForwarderExited)
		}
		s.state.recordError(task.Path, err)

		if s.restart == nil {
			logger.Error("forwarder failed", "kind", Kind(err), "error", err)
			return err
		}
		retry, delay := s.restart.ShouldRetry(attempt, err)
		if !retry {
			logger.Error("forwarder failed, restarts exhausted", "attempts", attempt+1, "error", err)
			return err
		}

		logger.Warn("restarting forwarder",
			"attempt", attempt+1,
			"delay", delay,
			"kind", Kind(err),
			"error", err)
		s.state.recordRestart(task.Path)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}
