package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/observability"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
)

// ErrRunnerStopped is returned to callers once the runner has exited.
var ErrRunnerStopped = errors.New("engine runner stopped")

type request struct {
	ctx   context.Context
	cmd   event.Command
	query func(*Engine) error
	reply chan response
}

type response struct {
	result *Result
	err    error
}

// Runner owns the Engine and serialises every command and query onto one
// goroutine. Commands from NATS and the HTTP gateway all pass through it.
type Runner struct {
	engine   *Engine
	clock    clock.Clock
	requests chan request
	done     chan struct{}
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewRunner(engine *Engine, clk clock.Clock, queueSize int, metrics *observability.Metrics) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Runner{
		engine:   engine,
		clock:    clk,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
		metrics:  metrics,
		log:      observability.NewLogger("runner"),
	}
}

// Run processes requests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	r.log.Info().Int64("sequence", r.engine.Sequence()).Msg("engine runner started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Int64("sequence", r.engine.Sequence()).Msg("engine runner stopped")
			return nil
		case req := <-r.requests:
			if r.metrics != nil {
				r.metrics.SetChannelMetrics("commands", len(r.requests), cap(r.requests))
			}
			req.reply <- r.handle(req)
		}
	}
}

func (r *Runner) handle(req request) response {
	if err := req.ctx.Err(); err != nil {
		return response{err: err}
	}
	if req.query != nil {
		return response{err: req.query(r.engine)}
	}
	res, err := r.engine.Execute(req.ctx, req.cmd)
	return response{result: res, err: err}
}

// Submit stamps cmd with the current time if it has none and waits for the
// engine to execute it.
func (r *Runner) Submit(ctx context.Context, cmd event.Command) (*Result, error) {
	if cmd == nil {
		return nil, fmt.Errorf("nil command")
	}
	cmd.Stamp(r.clock.Now().UTC())
	resp, err := r.roundTrip(ctx, request{ctx: ctx, cmd: cmd})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// Query runs fn on the engine goroutine. fn must not retain the engine.
func (r *Runner) Query(ctx context.Context, fn func(*Engine) error) error {
	resp, err := r.roundTrip(ctx, request{ctx: ctx, query: fn})
	if err != nil {
		return err
	}
	return resp.err
}

// Now is the runner's clock, used by query callers that need an "as of"
// time consistent with command stamping.
func (r *Runner) Now() time.Time {
	return r.clock.Now().UTC()
}

func (r *Runner) roundTrip(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case r.requests <- req:
	case <-r.done:
		return response{}, ErrRunnerStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-r.done:
		return response{}, ErrRunnerStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
