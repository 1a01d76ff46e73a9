package webcodecs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// CodecState is the lifecycle state of an encoder or decoder.
type CodecState int

const (
	CodecStateUnconfigured CodecState = iota
	CodecStateConfigured
	CodecStateClosed
)

func (s CodecState) String() string {
	switch s {
	case CodecStateUnconfigured:
		return "unconfigured"
	case CodecStateConfigured:
		return "configured"
	case CodecStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionKind int

const (
	kindVideoEncoder sessionKind = iota
	kindVideoDecoder
	kindAudioEncoder
	kindAudioDecoder
)

func (k sessionKind) String() string {
	switch k {
	case kindVideoEncoder:
		return "video-encoder"
	case kindVideoDecoder:
		return "video-decoder"
	case kindAudioEncoder:
		return "audio-encoder"
	case kindAudioDecoder:
		return "audio-decoder"
	default:
		return "unknown"
	}
}

// Option customizes an encoder or decoder.
type Option func(*sessionOptions)

type sessionOptions struct {
	runtime *Runtime
	logger  logrus.FieldLogger
}

// WithRuntime runs the session on rt instead of DefaultRuntime.
func WithRuntime(rt *Runtime) Option {
	return func(o *sessionOptions) { o.runtime = rt }
}

// WithLogger sets the logger for the session.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// sessionSetup is the resolved form of one configuration. It is immutable
// except for the framer, which learns parameter sets from the stream.
type sessionSetup struct {
	codec       Codec
	codecString string
	key         PipelineKey
	pref        HardwareAcceleration
	params      NativeParams
	maxQueue    int
	requireKey  bool

	// template carries the configuration echoed in output metadata.
	template DecoderConfig
	layers   int // Temporal layers of encoder output

	framerMu sync.Mutex
	framer   *framer
	outputs  int // Outputs built in this setup, guarded by framerMu
}

// temporalLayerID returns the L1Tn layer of the next output and counts it.
// Callers hold framerMu.
func (st *sessionSetup) temporalLayerID() int {
	i := st.outputs
	st.outputs++
	switch st.layers {
	case 2:
		return i % 2
	case 3:
		return [4]int{0, 2, 1, 2}[i%4]
	default:
		return 0
	}
}

// deliverFunc turns one native output into the public output and returns a
// call that hands it to the output callback. first is set on the first
// output of a configuration.
type deliverFunc func(setup *sessionSetup, out *NativeOutput, timestamp, duration int64, first bool) (func(), error)

// unit is one piece of work handed to process.
type unit struct {
	sizeHint int // Scratch buffer size, < 0 for none
	key      func(setup *sessionSetup) bool
	prepare  func(setup *sessionSetup, scratch *Buffer) (NativeInput, error)
	admitted func() // Runs once the unit counts against the queue
}

// generation is one native engine instance. A flush timeout or a pipeline
// fallback replaces it; outputs of a replaced generation are discarded.
type generation struct {
	engine NativeEngine
	hw     *HardwareContext
	cand   PipelineCandidate
	stop   chan struct{}
	wake   chan struct{}

	mu       sync.Mutex // serializes engine calls
	released bool
	eos      bool

	// superseded is set, under session.mu, when replace swaps in a
	// successor. Units admitted on g are then settled by replace.
	superseded bool
}

func (g *generation) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *generation) submit(in NativeInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return fmt.Errorf("%w: engine released", ErrInvalidState)
	}
	return g.engine.Submit(in)
}

func (g *generation) receive() (*NativeOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, nil
	}
	out, err := g.engine.ReceiveOne()
	if errors.Is(err, io.EOF) {
		g.eos = false
	}
	return out, err
}

func (g *generation) signalEOS() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return fmt.Errorf("%w: engine released", ErrInvalidState)
	}
	if err := g.engine.SignalEndOfStream(); err != nil {
		return err
	}
	g.eos = true
	return nil
}

func (g *generation) pendingEOS() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eos
}

// release stops the drain loop and frees the engine and its hardware
// context. It is safe to call more than once and does not wait for the
// drain loop, which may be the caller.
func (g *generation) release(hw *HardwareContextPool) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	close(g.stop)
	var result *multierror.Error
	if err := g.engine.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	g.mu.Unlock()
	hw.Release(g.hw)
	return result.ErrorOrNil()
}

// flushWait is a pending flush.
type flushWait struct {
	gen  *generation
	done chan error
}

// session is the lifecycle shared by encoders and decoders.
type session struct {
	kind    sessionKind
	rt      *Runtime
	base    *logrus.Entry
	deliver deliverFunc
	onError func(error)

	mu        sync.Mutex
	log       *logrus.Entry
	state     CodecState
	setup     *sessionSetup
	gen       *generation
	queueSize int
	needKey   bool
	emitted   bool // description attached in this epoch
	nextTS    int64
	flush     *flushWait
}

func newSession(kind sessionKind, deliver deliverFunc, onError func(error), opts []Option) *session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.runtime == nil {
		o.runtime = DefaultRuntime()
	}
	if o.logger == nil {
		o.logger = o.runtime.log
	}
	if onError == nil {
		onError = func(error) {}
	}
	base := o.logger.WithFields(logrus.Fields{
		"session": uuid.NewString(),
		"kind":    kind.String(),
	})
	return &session{
		kind:    kind,
		rt:      o.runtime,
		base:    base,
		log:     base,
		deliver: deliver,
		onError: onError,
	}
}

func (s *session) State() CodecState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSize
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == CodecStateClosed {
		return fmt.Errorf("%w: %s is closed", ErrInvalidState, s.kind)
	}
	return nil
}

// configure resolves a pipeline for setup and starts a new epoch. On
// pipeline exhaustion the session closes and the error is also delivered to
// the error callback.
func (s *session) configure(setup *sessionSetup) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.reset(fmt.Errorf("%w: reconfigured", ErrAbort))

	log := s.base.WithField("codec", setup.codec.String())
	g, err := s.resolve(setup, log)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrNotSupported, setup.codecString, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == CodecStateClosed {
		s.mu.Unlock()
		_ = g.release(s.rt.hwPool)
		return fmt.Errorf("%w: %s is closed", ErrInvalidState, s.kind)
	}
	s.state = CodecStateConfigured
	s.setup = setup
	s.gen = g
	s.log = log
	s.queueSize = 0
	s.needKey = setup.requireKey
	s.emitted = false
	s.nextTS = 0
	s.mu.Unlock()

	go s.drainLoop(g)
	s.rt.metrics.observeConfigured(s.kind, setup.codec, g.cand.Method)
	log.WithFields(logrus.Fields{
		"pipeline":  g.cand.Name,
		"method":    g.cand.Method.String(),
		"max_queue": setup.maxQueue,
	}).Debug("Session configured")
	return nil
}

// resolve opens the best pipeline for setup, falling back through the
// chain until one opens.
func (s *session) resolve(setup *sessionSetup, log *logrus.Entry) (*generation, error) {
	cand, err := s.rt.selector.SelectBestPipeline(s.rt.capabilities.Snapshot(), setup.key, setup.pref)
	if err != nil {
		return nil, err
	}
	g, err := s.open(setup, cand)
	if err == nil {
		return g, nil
	}
	log.WithError(err).WithField("pipeline", cand.Name).Debug("Pipeline failed to open")
	if setup.pref == HardwareAccelerationPreferSoftware {
		return nil, err
	}
	return s.fallback(setup, cand, log)
}

// fallback marks failed as failed and opens the next candidates of the
// chain in order.
func (s *session) fallback(setup *sessionSetup, failed PipelineCandidate, log *logrus.Entry) (*generation, error) {
	if setup.pref == HardwareAccelerationPreferSoftware {
		return nil, fmt.Errorf("%w: software pipeline failed", ErrNotSupported)
	}
	for {
		s.rt.selector.MarkFailed(setup.key, failed.Method)
		next, exhausted, err := s.rt.selector.NextCandidate(setup.key)
		if err != nil {
			return nil, err
		}
		if exhausted {
			log.WithField("pipeline", next.Name).Debug("Hardware pipelines exhausted, trying software")
		}
		g, err := s.open(setup, next)
		if err == nil {
			return g, nil
		}
		log.WithError(err).WithField("pipeline", next.Name).Debug("Pipeline failed to open")
		failed = next
	}
}

// open acquires the hardware context of cand, when it needs one, and opens
// a native engine on it.
func (s *session) open(setup *sessionSetup, cand PipelineCandidate) (*generation, error) {
	params := setup.params
	params.Candidate = cand
	params.Extradata = cloneBytes(setup.params.Extradata)

	var hw *HardwareContext
	if cand.Method.IsHardware() {
		var err error
		hw, err = s.rt.hwPool.Acquire(context.Background(), cand.Method)
		if err != nil {
			return nil, err
		}
		params.Hardware = hw
	}
	engine, err := s.rt.engines.NewEngine()
	if err != nil {
		s.rt.hwPool.Release(hw)
		return nil, err
	}
	if err := engine.Configure(params); err != nil {
		_ = engine.Release()
		s.rt.hwPool.Release(hw)
		return nil, err
	}
	return &generation{
		engine: engine,
		hw:     hw,
		cand:   cand,
		stop:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}, nil
}

// process admits one unit and submits it to the engine.
func (s *session) process(u unit) error {
	s.mu.Lock()
	if s.state != CodecStateConfigured {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, s.kind, state)
	}
	if s.queueSize >= s.setup.maxQueue {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d units pending", ErrQuotaExceeded, s.setup.maxQueue)
	}
	setup, g := s.setup, s.gen
	key := u.key != nil && u.key(setup)
	if s.needKey && !key {
		s.mu.Unlock()
		return fmt.Errorf("%w: a key chunk is required after configure and flush", ErrData)
	}
	s.mu.Unlock()

	var scratch *Buffer
	if u.sizeHint >= 0 {
		scratch = s.rt.buffers.Get(u.sizeHint)
		defer scratch.Release()
	}
	in, err := u.prepare(setup, scratch)
	if err != nil {
		return dataError(err)
	}

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s was reset", ErrInvalidState, s.kind)
	}
	s.queueSize++
	if key {
		s.needKey = false
	}
	s.mu.Unlock()
	s.rt.metrics.addPending(s.kind, 1)
	if u.admitted != nil {
		u.admitted()
	}

	for {
		err = g.submit(in)
		if err == nil {
			g.notify()
			return nil
		}
		if !errors.Is(err, ErrHardwareUnavailable) {
			break
		}
		// A new engine must start on a key unit when the codec needs one.
		resubmit := key || !setup.requireKey
		keep := 0
		if resubmit {
			keep = 1
		}
		cause := err
		next, ferr := s.replace(g, keep, cause, func(log *logrus.Entry) (*generation, error) {
			log.WithError(cause).Warn("Hardware pipeline lost")
			return s.fallback(setup, g.cand, log)
		})
		if ferr != nil {
			s.unadmit(nil)
			s.fail(fmt.Errorf("%w: %v", ErrNotSupported, ferr))
			return fmt.Errorf("%w: %v", ErrNotSupported, ferr)
		}
		if next == nil {
			if s.superseded(g) {
				return nil
			}
			return fmt.Errorf("%w: %s was reset", ErrInvalidState, s.kind)
		}
		if !resubmit {
			return nil
		}
		if key {
			s.mu.Lock()
			if s.gen == next {
				s.needKey = false
			}
			s.mu.Unlock()
		}
		g = next
	}

	if s.superseded(g) {
		// Settled as lost by the replace that retired g.
		return nil
	}
	s.unadmit(g)
	if !errors.Is(err, ErrInvalidState) {
		err = fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	s.rt.metrics.observeError(s.kind, err)
	return err
}

// unadmit rolls back one admission made on g; a nil g matches any
// generation.
func (s *session) unadmit(g *generation) {
	s.mu.Lock()
	if (g == nil || s.gen == g) && s.queueSize > 0 {
		s.queueSize--
		s.mu.Unlock()
		s.rt.metrics.addPending(s.kind, -1)
		return
	}
	s.mu.Unlock()
}

// replace swaps the live generation old for one built by open. The first
// keep admitted units stay queued for the caller to resubmit; every other
// unit admitted on old is lost with it and fails with cause. It returns
// nil, nil when old is no longer live.
func (s *session) replace(old *generation, keep int, cause error, open func(log *logrus.Entry) (*generation, error)) (*generation, error) {
	s.mu.Lock()
	if s.gen != old {
		s.mu.Unlock()
		return nil, nil
	}
	log := s.log
	s.mu.Unlock()

	if err := old.release(s.rt.hwPool); err != nil {
		log.WithError(err).Debug("Engine release failed")
	}
	next, err := open(log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen != old {
		s.mu.Unlock()
		_ = next.release(s.rt.hwPool)
		return nil, nil
	}
	old.superseded = true
	s.gen = next
	s.needKey = s.setup.requireKey
	kept := min(keep, s.queueSize)
	lost := s.queueSize - kept
	s.queueSize = kept
	s.mu.Unlock()
	go s.drainLoop(next)

	if lost > 0 {
		s.rt.metrics.addPending(s.kind, -lost)
		log.WithField("lost", lost).Debug("Units lost with the replaced engine")
		for i := 0; i < lost; i++ {
			s.report(fmt.Errorf("%w: engine replaced before output: %v", ErrEncoding, cause))
		}
	}
	return next, nil
}

func (s *session) superseded(g *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return g.superseded
}

// drainLoop delivers the outputs of g until g is released. It wakes after
// submissions, on native readiness and, while work is outstanding, on the
// poll interval.
func (s *session) drainLoop(g *generation) {
	var ready <-chan struct{}
	if rn, ok := g.engine.(ReadyNotifier); ok {
		ready = rn.Ready()
	}
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		var tick <-chan time.Time
		if s.outstanding(g) {
			if ticker == nil {
				ticker = time.NewTicker(s.rt.cfg.DrainPollInterval)
			}
			tick = ticker.C
		} else if ticker != nil {
			ticker.Stop()
			ticker = nil
		}

		select {
		case <-g.stop:
			return
		case <-g.wake:
		case <-ready:
		case <-tick:
		}
		s.drain(g)
	}
}

func (s *session) outstanding(g *generation) bool {
	s.mu.Lock()
	live := s.gen == g
	pending := s.queueSize > 0 || s.flush != nil
	s.mu.Unlock()
	return live && (pending || g.pendingEOS())
}

// drain polls g until it has nothing ready.
func (s *session) drain(g *generation) {
	for {
		out, err := g.receive()
		switch {
		case errors.Is(err, io.EOF):
			s.drained(g)
			return
		case err != nil:
			s.drainError(g, err)
		case out == nil:
			return
		default:
			s.emit(g, out)
		}
	}
}

// emit delivers one output of g.
func (s *session) emit(g *generation, out *NativeOutput) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	setup := s.setup
	first := !s.emitted
	tb := setup.params.Timebase
	ts := s.nextTS
	if out.HasPTS {
		ts = tb.Rescale(out.PTS, Microseconds)
	}
	dur := tb.Rescale(out.Duration, Microseconds)
	if dur == 0 && out.Frames > 0 && out.SampleRate > 0 {
		dur = int64(out.Frames) * 1_000_000 / int64(out.SampleRate)
	}
	if dur > 0 {
		s.nextTS = ts + dur
	} else {
		s.nextTS = ts + 1
	}
	s.mu.Unlock()

	call, err := s.deliver(setup, out, ts, dur, first)

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	decremented := s.queueSize > 0
	if decremented {
		s.queueSize--
	}
	if err == nil && first {
		s.emitted = true
	}
	s.mu.Unlock()
	if decremented {
		s.rt.metrics.addPending(s.kind, -1)
	}

	if err != nil {
		s.report(dataError(err))
		return
	}
	s.rt.metrics.observeOutput(s.kind, setup.codec)
	call()
}

func (s *session) drainError(g *generation, err error) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	decremented := s.queueSize > 0
	if decremented {
		s.queueSize--
	}
	log := s.log
	s.mu.Unlock()
	if decremented {
		s.rt.metrics.addPending(s.kind, -1)
	}
	if !errors.Is(err, ErrData) {
		err = fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	log.WithError(err).Debug("Native engine reported an error")
	s.report(err)
}

// drained handles the end of a flush: everything submitted before it has
// been produced.
func (s *session) drained(g *generation) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	pending := s.queueSize
	s.queueSize = 0
	s.needKey = s.setup.requireKey
	w := s.flush
	s.flush = nil
	s.mu.Unlock()
	s.rt.metrics.addPending(s.kind, -pending)
	if w != nil {
		w.done <- nil
	}
}

// flushSession signals end of stream and waits for the engine to drain,
// bounded by ctx and the runtime flush timeout.
func (s *session) flushSession(ctx context.Context) error {
	s.mu.Lock()
	if s.state != CodecStateConfigured {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, s.kind, state)
	}
	g := s.gen
	w := &flushWait{gen: g, done: make(chan error, 1)}
	prev := s.flush
	s.flush = w
	log := s.log
	s.mu.Unlock()
	if prev != nil {
		prev.done <- fmt.Errorf("%w: superseded by a later flush", ErrAbort)
	}

	start := time.Now()
	defer func() { s.rt.metrics.observeFlush(s.kind, time.Since(start)) }()

	if err := g.signalEOS(); err != nil {
		s.clearFlush(w)
		if errors.Is(err, ErrInvalidState) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	g.notify()

	timer := time.NewTimer(s.rt.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		log.WithField("timeout", s.rt.cfg.FlushTimeout).Debug("Flush timed out")
		s.abandonFlush(w)
		return fmt.Errorf("%w: flush did not complete within %v", ErrTimeout, s.rt.cfg.FlushTimeout)
	case <-ctx.Done():
		s.abandonFlush(w)
		return fmt.Errorf("%w: %v", ErrAbort, ctx.Err())
	}
}

func (s *session) clearFlush(w *flushWait) {
	s.mu.Lock()
	if s.flush == w {
		s.flush = nil
	}
	s.mu.Unlock()
}

// abandonFlush gives up on w. The engine is recreated on the same
// pipeline so late outputs are never delivered, and the session stays
// configured with an empty queue.
func (s *session) abandonFlush(w *flushWait) {
	s.mu.Lock()
	if s.flush != w {
		s.mu.Unlock()
		return
	}
	s.flush = nil
	setup := s.setup
	pending := s.queueSize
	s.queueSize = 0
	s.mu.Unlock()
	s.rt.metrics.addPending(s.kind, -pending)

	cause := fmt.Errorf("%w: flush timed out", ErrTimeout)
	_, err := s.replace(w.gen, 0, cause, func(log *logrus.Entry) (*generation, error) {
		g, err := s.open(setup, w.gen.cand)
		if err == nil {
			return g, nil
		}
		log.WithError(err).WithField("pipeline", w.gen.cand.Name).Warn("Engine recreation failed")
		return s.fallback(setup, w.gen.cand, log)
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrNotSupported, err))
	}
}

// reset discards all work and returns to unconfigured. A pending flush
// fails with cause.
func (s *session) reset(cause error) {
	s.mu.Lock()
	if s.state == CodecStateClosed {
		s.mu.Unlock()
		return
	}
	g, setup, w := s.gen, s.setup, s.flush
	pending := s.queueSize
	s.gen, s.setup, s.flush = nil, nil, nil
	s.queueSize = 0
	s.state = CodecStateUnconfigured
	log := s.log
	s.mu.Unlock()

	if w != nil {
		w.done <- cause
	}
	if g != nil {
		if err := g.release(s.rt.hwPool); err != nil {
			log.WithError(err).Debug("Engine release failed")
		}
	}
	if setup != nil {
		s.rt.selector.Invalidate(setup.key)
		log.Debug("Session reset")
	}
	s.rt.metrics.addPending(s.kind, -pending)
}

// close resets and enters the terminal state.
func (s *session) close() {
	s.reset(fmt.Errorf("%w: closed", ErrAbort))
	s.mu.Lock()
	if s.state != CodecStateClosed {
		s.state = CodecStateClosed
		s.log.Debug("Session closed")
	}
	s.mu.Unlock()
}

// fail closes the session and delivers err.
func (s *session) fail(err error) {
	s.close()
	s.report(err)
}

func (s *session) report(err error) {
	s.rt.metrics.observeError(s.kind, err)
	s.onError(err)
}

// dataError keeps package error kinds and classifies anything else as
// malformed data.
func dataError(err error) error {
	for _, kind := range []error{ErrValidation, ErrData, ErrInvalidState, ErrNotSupported, ErrBufferTooSmall} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrData, err)
}
