package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/parlo-app/parlo-go/pkg/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is a scriptable in-memory control channel for exercising
// the clock, dispatcher, and session without a network.
type fakeChannel struct {
	mu       sync.Mutex
	ready    bool
	failNext int
	failAll  bool
	sent     [][]byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{ready: true}
}

func (f *fakeChannel) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeChannel) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return core.NewChannelError("control channel not open")
	}
	if f.failAll {
		return core.NewChannelError("send refused")
	}
	if f.failNext > 0 {
		f.failNext--
		return core.NewChannelError("send refused")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

// failSends makes the next n sends fail before succeeding again.
func (f *fakeChannel) failSends(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *fakeChannel) refuseAll(refuse bool) {
	f.mu.Lock()
	f.failAll = refuse
	f.mu.Unlock()
}

func (f *fakeChannel) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// sentTypes returns the type field of every delivered frame, in order.
func (f *fakeChannel) sentTypes() []string {
	var types []string
	for _, frame := range f.frames() {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}
