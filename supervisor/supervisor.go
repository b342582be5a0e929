// Package supervisor starts the workload in its own process group and owns
// every signal that is ever sent to it, and the reaping of it.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/telemetry"
)

// defaultTermPolls and defaultPollInterval bound the graceful window:
// after SIGTERM the workload has termPolls * pollInterval to exit before
// SIGKILL.
const (
	defaultTermPolls    = 10
	defaultPollInterval = time.Second
)

// Status is a reaped workload's terminal state.
type Status struct {
	Code     int
	Signal   int
	Signaled bool
}

// ExitCode folds the status into the shell convention: the workload's own
// code, or 128 plus the signal number when a signal killed it.
func (s Status) ExitCode() int {
	if s.Signaled {
		return 128 + s.Signal
	}
	return s.Code
}

func (s Status) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %d", s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Supervisor owns one running workload. The workload lives in its own
// process group so a group-wide signal reaches it and everything it
// spawned without touching this process.
type Supervisor struct {
	cmd     *exec.Cmd
	pgid    int
	fut     *future.Future[Status]
	done    chan struct{}
	started time.Time

	// TermPolls and PollInterval define the graceful-termination window.
	// Zero values take the defaults; tests shrink them.
	TermPolls    int
	PollInterval time.Duration
}

// Start launches argv with inherited stdio in a fresh process group and
// begins reaping it in the background.
func Start(argv []string) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command given")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start workload: %w", err)
	}

	s := &Supervisor{
		cmd:     cmd,
		pgid:    cmd.Process.Pid,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	p := future.NewPromise[Status]()
	s.fut = p.Future()
	go s.reap(p)

	log.Debug().Int("pid", cmd.Process.Pid).Str("command", argv[0]).Msg("Workload started")
	return s, nil
}

// reap waits for the workload exactly once and publishes the status. The
// status is recorded whether the exit was voluntary or signalled; callers
// decide what it means.
func (s *Supervisor) reap(p *future.Promise[Status]) {
	err := s.cmd.Wait()

	var status Status
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status = Status{Signal: int(ws.Signal()), Signaled: true}
		} else {
			status = Status{Code: exitErr.ExitCode()}
		}
	default:
		// Wait itself failed; there is no workload status to adopt.
		log.Error().Err(err).Msg("Reaping workload failed")
		status = Status{Code: 125}
	}

	telemetry.WorkloadDurationSeconds.Observe(time.Since(s.started).Seconds())
	telemetry.WorkloadExitStatus.Set(float64(status.ExitCode()))
	log.Debug().Stringer("status", status).Msg("Workload reaped")

	p.Set(status, nil)
	close(s.done)
}

// Done closes once the workload has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the workload is reaped and returns its status. Safe to
// call any number of times.
func (s *Supervisor) Wait() Status {
	status, _ := s.fut.Get()
	return status
}

// Pid is the workload's process id, which is also its group id.
func (s *Supervisor) Pid() int {
	return s.cmd.Process.Pid
}

// Terminate withdraws the workload: SIGTERM to the whole group, a bounded
// wait for voluntary exit, then SIGKILL. It returns the reaped status.
// SIGTERM first lets the workload flush and release whatever it holds; the
// escalation guarantees termination completes before the caller exits.
func (s *Supervisor) Terminate() Status {
	polls, interval := s.TermPolls, s.PollInterval
	if polls <= 0 {
		polls = defaultTermPolls
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	log.Info().Int("pid", s.Pid()).Msg("Terminating workload")
	s.signalGroup(syscall.SIGTERM)
	for i := 0; i < polls; i++ {
		select {
		case <-s.done:
			return s.Wait()
		case <-time.After(interval):
		}
	}

	log.Warn().Int("pid", s.Pid()).Msg("Workload ignored SIGTERM, killing")
	s.signalGroup(syscall.SIGKILL)
	<-s.done
	return s.Wait()
}

// Kill is the safety net on abnormal unwinds: an immediate group-wide
// SIGKILL. Harmless when the workload is already reaped.
func (s *Supervisor) Kill() {
	select {
	case <-s.done:
		return
	default:
	}
	s.signalGroup(syscall.SIGKILL)
	<-s.done
}

// ForwardSignals relays SIGINT and SIGTERM arriving at this process on to
// the workload's group. The workload sits in its own group, so a terminal
// interrupt or a service manager's stop signal would otherwise never reach
// it. The returned function releases the relay.
func (s *Supervisor) ForwardSignals() func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if unix, ok := sig.(syscall.Signal); ok {
				log.Debug().Stringer("signal", unix).Msg("Forwarding signal to workload")
				s.signalGroup(unix)
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(sigs)
	}
}

// signalGroup signals the whole process group. A group that is already
// gone is not an error.
func (s *Supervisor) signalGroup(sig syscall.Signal) {
	if err := syscall.Kill(-s.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn().Err(err).Int("pgid", s.pgid).Stringer("signal", sig).Msg("Signalling workload failed")
	}
}
