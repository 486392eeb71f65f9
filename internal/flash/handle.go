package flash

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/imagewriter"
)

// Handle refers to one started operation.
type Handle struct {
	id        string
	req       Request
	device    catalog.Device
	cancel    context.CancelFunc
	observers []Observer
	log       *slog.Logger

	// snap is only stored by the worker goroutine.
	snap atomic.Pointer[Snapshot]

	done chan struct{}
	err  error // valid once done is closed
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Request() Request { return h.req }

// Device is the device snapshot the operation was validated against.
func (h *Handle) Device() catalog.Device { return h.device }

// Cancel requests cancellation. The writer and overlay installer observe it
// at their next chunk or file boundary. Cancel is idempotent and does nothing
// once the operation reached a terminal state.
func (h *Handle) Cancel() { h.cancel() }

// Progress returns the most recently published snapshot without blocking.
func (h *Handle) Progress() Snapshot { return *h.snap.Load() }

// Done is closed once the operation reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the operation finished. It returns nil for Completed,
// ErrCancelled for Cancelled and an *Error for Failed operations.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) report(percent float64, message string) {
	s := *h.snap.Load()
	s.Percent = percent
	s.Message = message
	h.snap.Store(&s)
}

func (h *Handle) setBytes(res *imagewriter.Result) {
	if res == nil {
		return
	}
	s := *h.snap.Load()
	s.BytesWritten = res.Bytes
	h.snap.Store(&s)
}

func (h *Handle) transition(state State, message string, err error) {
	s := *h.snap.Load()
	s.State = state
	s.Message = message
	s.Err = err
	h.snap.Store(&s)

	if err != nil {
		h.log.Error("state_changed", "state", state, "percent", s.Percent, "error", err)
	} else {
		h.log.Info("state_changed", "state", state, "percent", s.Percent)
	}
	ev := Event{
		ID:      h.id,
		Request: h.req,
		Device:  h.device,
		State:   state,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
	for _, o := range h.observers {
		o.Observe(ev)
	}
}
