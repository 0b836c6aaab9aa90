package cli

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PrintsLifecycleUntilCancelled(t *testing.T) {
	fe := newFakeEngine(t)
	cfgPath, _ := writeConfig(t, t.TempDir(), fe.url())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	var (
		mu    sync.Mutex
		lines []string
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
			if line == "state: ready" {
				cancel()
			}
		}
	}()

	root := NewRootCommand()
	root.SetOut(pw)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"run", "--config", cfgPath})

	errCh := make(chan error, 1)
	go func() { errCh <- root.ExecuteContext(ctx) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	_ = pw.Close()
	<-readerDone

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines, "state: awaiting_phone")
	assert.Contains(t, lines, "state: awaiting_code")
	assert.Contains(t, lines, "state: ready")
	assert.Contains(t, fe.requests(), "close")
}

func TestRun_RejectsArgs(t *testing.T) {
	_, _, err := execute(t, "run", "extra")
	require.Error(t, err)
}
