// Package shutdown cancels a conversion on SIGINT or SIGTERM and releases
// the components of the run in a fixed order once it returns.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component released at the end of a run.
type Closer interface {
	Close() error
}

// Hook performs cleanup that needs a deadline.
type Hook func(ctx context.Context) error

// Release order of the run's components. Lower goes first.
const (
	PriorityLedger   = 10 // drain pending row outcomes
	PriorityMetrics  = 20 // export the textfile
	PriorityDatabase = 30
	PriorityStorage  = 40
)

// Coordinator cancels the run context on a signal and releases
// registered components.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once   sync.Once
	signal os.Signal
}

type step struct {
	name     string
	priority int
	hook     Hook
}

// New creates a coordinator whose release steps share timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
	}
}

// Register releases c at the given priority.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterHook runs hook at the given priority.
func (c *Coordinator) RegisterHook(name string, hook Hook, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, priority: priority, hook: hook})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered for release")
}

// Watch returns a context canceled on the first SIGINT or SIGTERM. A
// second signal is left to the default handler and kills the process.
// stop must be called once the run returns.
func (c *Coordinator) Watch(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			c.mu.Lock()
			c.signal = sig
			c.mu.Unlock()
			c.logger.Warn().Str("signal", sig.String()).Msg("Received signal, stopping conversion")
			signal.Stop(sigCh)
			cancel()
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			cancel()
		})
	}
}

// Signal returns the signal that canceled the run, nil if none did.
func (c *Coordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Release runs the registered steps once, lowest priority first. Every
// step runs even if an earlier one failed; steps that would start after
// the timeout are skipped.
func (c *Coordinator) Release() error {
	var errs []error
	c.once.Do(func() {
		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		for _, s := range steps {
			if err := ctx.Err(); err != nil {
				c.logger.Warn().Str("name", s.name).Msg("Release timeout reached, skipping")
				errs = append(errs, err)
				continue
			}
			if err := s.hook(ctx); err != nil {
				c.logger.Error().Err(err).Str("name", s.name).Msg("Release failed")
				errs = append(errs, err)
			}
		}
		c.logger.Debug().Dur("duration", time.Since(start)).Int("steps", len(steps)).Msg("Released run components")
	})
	return errors.Join(errs...)
}
