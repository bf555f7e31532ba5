package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It plays the engine process when
// run with QSIGN_HELPER_PROCESS=1.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("QSIGN_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := os.Args[len(os.Args)-1]
	switch mode {
	case "ready":
		fmt.Println("Starting engine")
		fmt.Println("INFO  Loading SecSigner properties from engine.properties")
		time.Sleep(time.Minute)
	case "custom":
		fmt.Println("listening on :8080")
		time.Sleep(time.Minute)
	case "stderr":
		fmt.Println("Starting engine")
		fmt.Fprintln(os.Stderr, "java.net.BindException: Address already in use")
		time.Sleep(time.Minute)
	case "exit":
		fmt.Println("Starting engine")
		fmt.Println("license file missing")
		os.Exit(3)
	case "slow":
		time.Sleep(time.Minute)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helper(t *testing.T, mode string, log *syncBuffer) *Supervisor {
	t.Helper()
	cfg := Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--", mode},
		Env:     []string{"QSIGN_HELPER_PROCESS=1"},
	}
	if log != nil {
		cfg.Log = log
	}
	if mode == "custom" {
		cfg.ReadyMarker = "listening on"
	}
	s := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Unit Tests: State transitions
// =============================================================================

func TestU_Supervisor_Ready(t *testing.T) {
	log := &syncBuffer{}
	s := helper(t, "ready", log)
	assert.Equal(t, StateNotStarted, s.State())

	require.NoError(t, s.Start())
	require.NoError(t, s.WaitReady(waitCtx(t)))
	assert.Equal(t, StateReady, s.State())
	assert.Contains(t, log.String(), "Loading SecSigner properties")
	assert.Equal(t, []string{"Starting engine", "INFO  Loading SecSigner properties from engine.properties"}, s.Output())

	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.WaitReady(waitCtx(t)), ErrStopped)
	assert.NoError(t, s.Err())
}

func TestU_Supervisor_CustomMarker(t *testing.T) {
	s := helper(t, "custom", nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.WaitReady(waitCtx(t)))
}

func TestU_Supervisor_StderrFails(t *testing.T) {
	s := helper(t, "stderr", nil)
	require.NoError(t, s.Start())

	err := s.WaitReady(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Address already in use")
	assert.Equal(t, StateFailed, s.State())
}

func TestU_Supervisor_EarlyExit(t *testing.T) {
	s := helper(t, "exit", nil)
	require.NoError(t, s.Start())

	err := s.WaitReady(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited unexpectedly")
	assert.Contains(t, err.Error(), "license file missing")

	<-s.Done()
	assert.Equal(t, StateFailed, s.State())
}

func TestU_Supervisor_WaitCancelled(t *testing.T) {
	s := helper(t, "slow", nil)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStarting, s.State())

	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, StateStopped, s.State())
}

func TestU_Supervisor_Misuse(t *testing.T) {
	s := helper(t, "ready", nil)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, s.WaitReady(context.Background()), ErrNotStarted)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestU_Supervisor_MissingBinary(t *testing.T) {
	s := New(Config{Command: "/nonexistent/qsign-engine"})
	require.Error(t, s.Start())
	assert.Equal(t, StateFailed, s.State())
	assert.Error(t, s.WaitReady(context.Background()))
}

func TestU_State_String(t *testing.T) {
	tests := map[State]string{
		StateNotStarted: "not-started",
		StateStarting:   "starting",
		StateReady:      "ready",
		StateFailed:     "failed",
		StateStopped:    "stopped",
		State(9):        "state(9)",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
