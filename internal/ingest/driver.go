package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// State of the driver as observed from outside.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateShutdown State = "shutdown"
)

// ErrShuttingDown is returned by RunCycle once Run has begun shutting down.
var ErrShuttingDown = errors.New("driver is shutting down")

// Driver runs the pipeline immediately and then every Interval, measured from
// cycle start. A slow cycle does not delay the next tick, so cycles may overlap.
type Driver struct {
	Pipeline *Pipeline
	Params   Params
	Interval time.Duration
	Grace    time.Duration

	// Closers are released after the publisher, once in-flight cycles are done.
	Closers []io.Closer

	mu       sync.Mutex
	wg       sync.WaitGroup
	inFlight int
	shutdown bool
	last     *CycleReport
}

func NewDriver(p *Pipeline, params Params, interval, grace time.Duration) *Driver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Driver{
		Pipeline: p,
		Params:   params,
		Interval: interval,
		Grace:    grace,
	}
}

// Run blocks until ctx is cancelled, then waits up to Grace for in-flight cycles
// and releases the publisher and any Closers. It returns nil on a clean shutdown.
func (d *Driver) Run(ctx context.Context) error {
	log.Printf("[Driver] starting: interval=%s grace=%s sources=%d", d.Interval, d.Grace, len(d.Pipeline.Adapters))

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	d.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			return d.stop()
		case <-ticker.C:
			d.launch(ctx)
		}
	}
}

// RunCycle runs one cycle synchronously. Used for once mode and admin triggers.
func (d *Driver) RunCycle(ctx context.Context) (CycleReport, error) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return CycleReport{}, ErrShuttingDown
	}
	d.inFlight++
	d.wg.Add(1)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
		d.wg.Done()
	}()

	report := d.Pipeline.RunOnce(ctx, d.Params)

	d.mu.Lock()
	d.last = &report
	d.mu.Unlock()
	return report, nil
}

// launch starts a cycle in the background. Cycles are detached from ctx so a
// shutdown never interrupts one mid-record; the grace period bounds the wait.
func (d *Driver) launch(ctx context.Context) {
	go func() {
		if _, err := d.RunCycle(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Driver] cycle not started: %v", err)
		}
	}()
}

func (d *Driver) stop() error {
	d.mu.Lock()
	d.shutdown = true
	pending := d.inFlight
	d.mu.Unlock()

	log.Printf("[Driver] shutting down, waiting for %d in-flight cycle(s)", pending)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[Driver] in-flight cycles finished")
	case <-time.After(d.Grace):
		log.Printf("[Driver] grace period %s elapsed with %d cycle(s) still running", d.Grace, d.InFlight())
	}

	d.release()
	return nil
}

func (d *Driver) release() {
	if d.Pipeline.Publisher != nil {
		if err := d.Pipeline.Publisher.Close(); err != nil {
			log.Printf("[Driver] closing publisher: %v", err)
		}
	}
	for _, c := range d.Closers {
		if err := c.Close(); err != nil {
			log.Printf("[Driver] closing resource: %v", err)
		}
	}
}

// State reports Idle, Running (at least one cycle in flight) or Shutdown.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.shutdown:
		return StateShutdown
	case d.inFlight > 0:
		return StateRunning
	default:
		return StateIdle
	}
}

func (d *Driver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// LastReport returns the most recently completed cycle, if any.
func (d *Driver) LastReport() (CycleReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return CycleReport{}, false
	}
	return *d.last, true
}
