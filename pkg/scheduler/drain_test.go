package scheduler

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalDrainSourceSigtermIsRegular(t *testing.T) {
	src := NewSignalDrainSource(nil)
	defer src.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case m := <-src.Drains():
		assert.Equal(t, ModeRegular, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain signal")
	}
}

func TestSignalDrainSourceInterruptIsExpedited(t *testing.T) {
	src := NewSignalDrainSource(nil)
	defer src.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case m := <-src.Drains():
		assert.Equal(t, ModeExpedited, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain signal")
	}
}

type fakeNotifier struct {
	ch chan struct{}
}

func (f *fakeNotifier) Notify() <-chan struct{} { return f.ch }

func TestSignalDrainSourceTerminationNotifierIsRegular(t *testing.T) {
	notifier := &fakeNotifier{ch: make(chan struct{}, 1)}
	src := NewSignalDrainSource(notifier)
	defer src.Stop()

	notifier.ch <- struct{}{}

	select {
	case m := <-src.Drains():
		assert.Equal(t, ModeRegular, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain signal")
	}
}

func TestManualDrainSource(t *testing.T) {
	src, trigger := NewManualDrainSource()
	trigger(ModeExpedited)

	select {
	case m := <-src.Drains():
		assert.Equal(t, ModeExpedited, m)
	default:
		t.Fatal("expected buffered drain mode")
	}
}
