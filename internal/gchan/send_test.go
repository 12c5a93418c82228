package gchan_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/internal/gchan"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestSendC_contextCanceled(t *testing.T) {
	t.Parallel()

	res := make(chan bool, 1)

	// Send to a nil channel blocks forever.
	var blockedOut chan int

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	log := slog.New(
		slog.NewJSONHandler(&buf, nil),
	)

	running := make(chan struct{})
	go func() {
		close(running)
		res <- gchan.SendC(ctx, log, blockedOut, 1, "running test")
	}()

	// Ensure the goroutine is running.
	_ = gtest.ReceiveSoon(t, running)

	// Now, nothing should be sent on res yet.
	select {
	case <-res:
		t.Fatal("Result sent before it should have been")
	case <-time.After(20 * time.Millisecond):
		// Okay.
	}

	// Canceling the context should cause the result to send ~immediately.
	cancel()
	require.False(t, gtest.ReceiveSoon(t, res))

	// And the correct message is logged at info level.
	var m map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))

	require.Equal(t, "INFO", m["level"])
	require.Equal(t, "Context canceled", m["msg"])
	require.Equal(t, "running test", m["during"])
	require.Equal(t, context.Cause(ctx).Error(), m["cause"])
}

func TestTrySend(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)
	require.True(t, gchan.TrySend(ch, 1))

	// Buffer is full, so the second send is dropped.
	require.False(t, gchan.TrySend(ch, 2))
	require.Equal(t, 1, <-ch)
}

func TestReqResp(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqs := make(chan int)
	resp := make(chan string, 1)

	go func() {
		n := <-reqs
		resp <- time.Duration(n).String()
	}()

	got, ok := gchan.ReqResp(ctx, gtest.NewLogger(t), reqs, 5, resp, "duration")
	require.True(t, ok)
	require.Equal(t, "5ns", got)
}

func TestReqResp_canceledBeforeResponse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqs := make(chan int)
	resp := make(chan string, 1)

	go func() {
		<-reqs
		cancel()
	}()

	got, ok := gchan.ReqResp(ctx, gtest.NewLogger(t), reqs, 5, resp, "duration")
	require.False(t, ok)
	require.Empty(t, got)
}
