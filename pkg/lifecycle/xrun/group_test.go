package xrun

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGroup_CancelReturnsCause(t *testing.T) {
	g, _ := NewGroup(context.Background(), WithName("test"))
	g.GoWithName("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cause := errors.New("shutdown requested")
	g.Cancel(cause)
	assert.ErrorIs(t, g.Wait(), cause)
}

func TestGroup_ServiceErrorStopsOthers(t *testing.T) {
	g, _ := NewGroup(context.Background())
	boom := errors.New("boom")
	g.Go(func(context.Context) error { return boom })
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, g.Wait(), boom)
}

func TestGroup_ParentCancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, _ := NewGroup(ctx)
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	assert.NoError(t, g.Wait())
}

func TestGroup_NilFunc(t *testing.T) {
	g, _ := NewGroup(context.Background())
	g.Go(nil)
	assert.ErrorIs(t, g.Wait(), ErrNilFunc)
}

func TestTicker(t *testing.T) {
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	g, _ := NewGroup(ctx)
	g.Go(Ticker(5*time.Millisecond, true, func(context.Context) error {
		if n.Add(1) == 3 {
			cancel()
		}
		return nil
	}))
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, n.Load(), int32(3))

	err := Ticker(0, false, func(context.Context) error { return nil })(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestTicker_ErrorStops(t *testing.T) {
	boom := errors.New("boom")
	err := Ticker(time.Millisecond, true, func(context.Context) error { return boom })(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGRPCServer_StopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- GRPCServer(srv, lis)(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("grpc server did not stop")
	}
}

func TestHTTPServer_ServesUntilCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") }),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- HTTPServer(srv, lis, time.Second)(ctx) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + lis.Addr().String())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("http server did not stop")
	}
	assert.ErrorIs(t, HTTPServer(nil, nil, 0)(context.Background()), ErrNilFunc)
}

func TestSignalError(t *testing.T) {
	err := error(&SignalError{Signal: syscall.SIGTERM})
	assert.ErrorIs(t, err, ErrSignal)
	var se *SignalError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscall.SIGTERM, se.Signal)
}
