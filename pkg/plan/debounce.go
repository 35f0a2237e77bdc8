package plan

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounceWindow is the quiet period a run burst must observe before
// the backend is called.
const DefaultDebounceWindow = time.Second

// Func is the operation wrapped by a Debouncer.
type Func[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// DebounceOptions configures a Debouncer.
type DebounceOptions struct {
	// Window is the quiet period. Zero means DefaultDebounceWindow.
	Window time.Duration

	// Leading fires the first call of a quiet period immediately. Calls that
	// follow within the window still collapse into one trailing call.
	Leading bool
}

// call is the shared outcome of one collapsed burst.
type call[Res any] struct {
	done chan struct{}
	once sync.Once
	res  Res
	err  error
}

func newCall[Res any]() *call[Res] {
	return &call[Res]{done: make(chan struct{})}
}

func (c *call[Res]) resolve(res Res, err error) {
	c.once.Do(func() {
		c.res = res
		c.err = err
		close(c.done)
	})
}

// Debouncer collapses bursts of Invoke calls into a single call of fn. Every
// caller of a burst observes the outcome of that single call, and the request
// passed by the last caller is the one sent.
//
// Firing a new call supersedes the call still in flight: its context is
// cancelled and its callers observe ErrSuperseded.
type Debouncer[Req, Res any] struct {
	fn     Func[Req, Res]
	window time.Duration
	lead   bool

	mu         sync.Mutex
	pending    *call[Res]
	pendingReq Req
	pendingCtx context.Context
	timer      *time.Timer
	gen        uint64
	quietUntil time.Time

	inflight       *call[Res]
	inflightCancel context.CancelFunc
}

// NewDebouncer wraps fn.
func NewDebouncer[Req, Res any](fn Func[Req, Res], opts DebounceOptions) *Debouncer[Req, Res] {
	if opts.Window <= 0 {
		opts.Window = DefaultDebounceWindow
	}
	return &Debouncer[Req, Res]{
		fn:     fn,
		window: opts.Window,
		lead:   opts.Leading,
	}
}

// Invoke schedules req and waits for the outcome of the burst it joins.
// If ctx is done first, Invoke returns ctx.Err() without affecting the other
// callers of the burst.
//
// The call to fn runs without the cancellation of any caller but keeps the
// values, such as the span, of the caller whose request it sends.
func (d *Debouncer[Req, Res]) Invoke(ctx context.Context, req Req) (Res, error) {
	c, _ := d.schedule(ctx, req, false)
	return d.wait(ctx, c)
}

// schedule adds req to the pending burst, starting one if needed. With
// joinOnly set it only joins a burst that is still waiting for its quiet
// period and returns false when there is none.
func (d *Debouncer[Req, Res]) schedule(ctx context.Context, req Req, joinOnly bool) (*call[Res], bool) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if joinOnly && d.pending == nil {
		return nil, false
	}

	var c *call[Res]
	switch {
	case d.pending == nil && d.lead && !now.Before(d.quietUntil):
		c = newCall[Res]()
		d.fireLocked(ctx, c, req)
	default:
		if d.pending == nil {
			d.pending = newCall[Res]()
		}
		c = d.pending
		d.pendingReq = req
		d.pendingCtx = ctx
		d.gen++
		gen := d.gen
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(d.window, func() { d.onTimer(gen) })
	}
	d.quietUntil = now.Add(d.window)
	return c, true
}

func (d *Debouncer[Req, Res]) wait(ctx context.Context, c *call[Res]) (Res, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		var zero Res
		return zero, ctx.Err()
	}
}

// Cancel drops the pending burst and aborts the call in flight. Their callers
// observe ErrSuperseded.
func (d *Debouncer[Req, Res]) Cancel() {
	var zero Res

	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.pending != nil {
		d.pending.resolve(zero, ErrSuperseded)
		d.pending = nil
		var zeroReq Req
		d.pendingReq = zeroReq
		d.pendingCtx = nil
	}
	d.supersedeLocked()
	d.quietUntil = time.Time{}
}

// Pending returns true while a burst is waiting for its quiet period.
func (d *Debouncer[Req, Res]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// InFlight returns true while fn is executing for the latest burst.
func (d *Debouncer[Req, Res]) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight != nil
}

func (d *Debouncer[Req, Res]) onTimer(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen || d.pending == nil {
		return
	}
	c, req, ctx := d.pending, d.pendingReq, d.pendingCtx
	d.pending = nil
	d.timer = nil
	var zeroReq Req
	d.pendingReq = zeroReq
	d.pendingCtx = nil

	d.fireLocked(ctx, c, req)
}

func (d *Debouncer[Req, Res]) fireLocked(parent context.Context, c *call[Res], req Req) {
	d.supersedeLocked()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	d.inflight = c
	d.inflightCancel = cancel

	go d.execute(ctx, cancel, c, req)
}

func (d *Debouncer[Req, Res]) supersedeLocked() {
	if d.inflight == nil {
		return
	}
	var zero Res
	d.inflightCancel()
	d.inflight.resolve(zero, ErrSuperseded)
	d.inflight = nil
	d.inflightCancel = nil
}

func (d *Debouncer[Req, Res]) execute(ctx context.Context, cancel context.CancelFunc, c *call[Res], req Req) {
	defer cancel()

	res, err := d.fn(ctx, req)
	if err != nil && ctx.Err() != nil && !IsSuperseded(err) {
		err = NewSupersededError("", err)
	}
	c.resolve(res, err)

	d.mu.Lock()
	if d.inflight == c {
		d.inflight = nil
		d.inflightCancel = nil
	}
	d.mu.Unlock()
}
