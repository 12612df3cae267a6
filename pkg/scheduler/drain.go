package scheduler

import (
	"os"
	"os/signal"
	"syscall"
)

// Mode identifies which of the two worker-side drain behaviors of spec §4.5
// applies. A service-directed drain runs as ModeRegular.
type Mode string

const (
	ModeRegular   Mode = "REGULAR"
	ModeExpedited Mode = "EXPEDITED"
)

// TerminationNotifier reports an imminent, host/cloud-specific termination
// notice (spec §6 "Signals"). The concrete poller (e.g. a cloud metadata
// endpoint) is out of scope for the core (spec §1); production supplies a
// real implementation.
type TerminationNotifier interface {
	Notify() <-chan struct{}
}

// DrainSource is anything that can ask the scheduler to begin draining.
type DrainSource interface {
	Drains() <-chan Mode
}

// SignalDrainSource maps SIGTERM and os.Interrupt, plus an optional
// TerminationNotifier, onto drain modes exactly per spec §6: imminent host
// termination and terminate-signal both drain regularly; an interactive
// interrupt (any os.Interrupt, such as an operator's Ctrl-C) drains
// expeditedly. Grounded on the teacher's own signal.Notify(sigCh,
// os.Interrupt, syscall.SIGTERM) shape in cmd/warren/main.go.
type SignalDrainSource struct {
	sigCh    chan os.Signal
	notifier TerminationNotifier
	out      chan Mode
}

// NewSignalDrainSource starts watching host signals (and notifier, if
// non-nil) and returns a DrainSource reporting drain requests.
func NewSignalDrainSource(notifier TerminationNotifier) *SignalDrainSource {
	s := &SignalDrainSource{
		sigCh:    make(chan os.Signal, 1),
		notifier: notifier,
		out:      make(chan Mode, 1),
	}
	signal.Notify(s.sigCh, os.Interrupt, syscall.SIGTERM)
	go s.run()
	return s
}

func (s *SignalDrainSource) run() {
	var notifyCh <-chan struct{}
	if s.notifier != nil {
		notifyCh = s.notifier.Notify()
	}
	for {
		select {
		case sig, ok := <-s.sigCh:
			if !ok {
				return
			}
			if sig == syscall.SIGTERM {
				s.emit(ModeRegular)
			} else {
				s.emit(ModeExpedited)
			}
		case <-notifyCh:
			s.emit(ModeRegular)
		}
	}
}

func (s *SignalDrainSource) emit(m Mode) {
	select {
	case s.out <- m:
	default:
	}
}

// Drains implements DrainSource.
func (s *SignalDrainSource) Drains() <-chan Mode { return s.out }

// Stop stops watching OS signals.
func (s *SignalDrainSource) Stop() {
	signal.Stop(s.sigCh)
	close(s.sigCh)
}

// staticDrainSource is a test/manual DrainSource that emits whatever is
// sent to its channel.
type staticDrainSource struct {
	ch chan Mode
}

// NewManualDrainSource returns a DrainSource the caller triggers directly,
// useful for a service-directed drain (desired_worker_status = STOPPED)
// detected from an UpdateWorkerSchedule response rather than a host signal.
func NewManualDrainSource() (*staticDrainSource, func(Mode)) {
	s := &staticDrainSource{ch: make(chan Mode, 1)}
	return s, s.emit
}

func (s *staticDrainSource) emit(m Mode) {
	select {
	case s.ch <- m:
	default:
	}
}

func (s *staticDrainSource) Drains() <-chan Mode { return s.ch }
