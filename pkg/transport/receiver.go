package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gregLibert/simtrace/pkg/logging"
)

// Endpoint names the link a completion was read from.
type Endpoint int

const (
	EndpointData Endpoint = iota
	EndpointStatus
)

func (e Endpoint) String() string {
	if e == EndpointStatus {
		return "status"
	}
	return "data"
}

// Reads kept in flight by default, per endpoint.
const (
	DefaultDataInFlight   = 4
	DefaultStatusInFlight = 1
)

// Completion is one finished read. A failed read carries Err and is the
// last completion of its endpoint.
type Completion struct {
	Endpoint Endpoint
	Data     []byte
	Err      error
}

// Receiver keeps reading from a data link and an optional status link,
// and delivers what it reads on one channel. A read is re-submitted as
// soon as the previous one completes. Completions wait in a buffer sized
// by the in-flight counts of both endpoints; reading pauses when it is
// full.
type Receiver struct {
	data, status Conn
	dataDepth    int
	statusDepth  int
	events       chan Completion
	log          *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithInFlight sets the completions each endpoint may have pending.
func WithInFlight(data, status int) ReceiverOption {
	return func(r *Receiver) {
		r.dataDepth = max(data, 1)
		r.statusDepth = max(status, 1)
	}
}

// NewReceiver returns a receiver for data and status. status may be nil.
func NewReceiver(data, status Conn, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		data:        data,
		status:      status,
		dataDepth:   DefaultDataInFlight,
		statusDepth: DefaultStatusInFlight,
		log:         logging.For(logging.ComponentTransport),
	}
	for _, o := range opts {
		o(r)
	}
	r.events = make(chan Completion, r.dataDepth+r.statusDepth)
	return r
}

// Events returns the completions. The channel is closed when Run returns.
func (r *Receiver) Events() <-chan Completion {
	return r.events
}

// Run reads until ctx is done, which is not an error, or a read fails.
func (r *Receiver) Run(ctx context.Context) error {
	defer close(r.events)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := func(ep Endpoint, c Conn) {
		wg.Go(func() {
			if err := r.read(ctx, ep, c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		})
	}
	start(EndpointData, r.data)
	if r.status != nil {
		start(EndpointStatus, r.status)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Receiver) read(ctx context.Context, ep Endpoint, c Conn) error {
	for {
		b, err := c.Recv(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case r.events <- Completion{Endpoint: ep, Data: b, Err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			r.log.Error("read failed", "endpoint", ep, logging.Err(err))
			return err
		}
	}
}
