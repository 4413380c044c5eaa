package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/wire"
)

type recordingHandler struct {
	mu       sync.Mutex
	frames   [][]byte
	disconnected bool
	frameCh  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frameCh: make(chan struct{}, 8)}
}

func (h *recordingHandler) HandleFrame(_ context.Context, _ string, frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, frame)
	h.mu.Unlock()
	h.frameCh <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(_ context.Context, _ string) {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
}

type recordingRegistrar struct{}

func (recordingRegistrar) HandleConnection(string, func(), string) {}

func TestServerExtractsFramesFromStream(t *testing.T) {
	handler := newRecordingHandler()
	srv := New("127.0.0.1:0", handler, recordingRegistrar{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	client, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	frame := wire.EncodeFrame([]byte("hello"))
	if _, err := client.Write(frame); err != nil {
		t.Fatal(err)
	}

	select {
	case <-handler.frameCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	handler.mu.Lock()
	got := string(handler.frames[0])
	handler.mu.Unlock()
	if got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}

	cancel()
	<-serveErrCh
}
