package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lightwavelabs/node-sync/internal/clocksync"
	"github.com/lightwavelabs/node-sync/internal/command"
	"github.com/lightwavelabs/node-sync/internal/liveness"
	"github.com/lightwavelabs/node-sync/internal/logging"
	"github.com/lightwavelabs/node-sync/internal/observability"
	"github.com/lightwavelabs/node-sync/internal/schedqueue"
)

// Options tunes the hub link.
type Options struct {
	URL          string
	NodeID       string
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// ApplyAheadMicros is the deadline handed to commands whose hub apply-at
	// cannot be trusted: unresolvable hub time, or a resolved local time
	// falling outside ±ClampMicros of now.
	ApplyAheadMicros int64
	ClampMicros      int64

	// SignalsInterval is the cadence of the maintenance tick that feeds the
	// estimator and liveness policy.
	SignalsInterval time.Duration

	// LossWindow is how many resolved probes the loss ratio looks back over.
	LossWindow int

	// ProbeTimeout is how long an unanswered probe is held before it counts
	// as lost.
	ProbeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 15 * time.Second
	}
	if o.ApplyAheadMicros <= 0 {
		o.ApplyAheadMicros = 50_000
	}
	if o.ClampMicros <= 0 {
		o.ClampMicros = 500_000
	}
	if o.SignalsInterval <= 0 {
		o.SignalsInterval = 250 * time.Millisecond
	}
	if o.LossWindow <= 0 {
		o.LossWindow = 32
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	return o
}

// writeWait bounds how long a single websocket write may block before the
// connection is declared dead.
const writeWait = 10 * time.Second

type pendingProbe struct {
	t1Micros   int64
	generation uint64
}

// Transport owns the websocket link to the hub: it dials and redials with
// backoff, runs the probe loop that feeds the clock estimator, authenticates
// and schedules inbound commands, and drives the liveness signals tick.
type Transport struct {
	opts    Options
	log     logging.Logger
	codec   *command.Codec
	est     *clocksync.Estimator
	queue   *schedqueue.Queue
	policy  *liveness.Policy
	clock   clocksync.LocalClock
	metrics *observability.TransportCollector
	tracer  trace.Tracer

	// writeMu serializes websocket writes. Write I/O never runs under t.mu,
	// so state accessors stay responsive while a write is stalled.
	writeMu sync.Mutex

	mu                sync.Mutex
	conn              *websocket.Conn
	linkUp            bool
	authenticated     bool
	lastContactMicros int64
	probeSeq          uint32
	pending           map[uint32]pendingProbe
	window            lossWindow
}

// New assembles a transport around an already-wired estimator, queue, and
// policy. The collector may be nil.
func New(opts Options, codec *command.Codec, est *clocksync.Estimator, queue *schedqueue.Queue, policy *liveness.Policy, clock clocksync.LocalClock, metrics *observability.TransportCollector, log logging.Logger) *Transport {
	if log == nil {
		log = logging.Noop()
	}
	opts = opts.withDefaults()
	return &Transport{
		opts:    opts,
		log:     log,
		codec:   codec,
		est:     est,
		queue:   queue,
		policy:  policy,
		clock:   clock,
		metrics: metrics,
		tracer:  otel.Tracer("lightnode/transport"),
		pending: make(map[uint32]pendingProbe),
		window:  newLossWindow(opts.LossWindow),
	}
}

// Run dials the hub and keeps the link alive until ctx is cancelled. Each
// successful dial starts a fresh session: the estimator is reset and every
// command scheduled under the previous session generation is discarded.
func (t *Transport) Run(ctx context.Context) error {
	backoff := t.opts.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
		if err != nil {
			t.metrics.CountReconnect()
			t.log.Warn(ctx, "hub dial failed",
				logging.String("url", t.opts.URL),
				logging.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > t.opts.ReconnectMax {
				backoff = t.opts.ReconnectMax
			}
			continue
		}

		backoff = t.opts.ReconnectMin
		t.log.Info(ctx, "hub link established", logging.String("url", t.opts.URL))
		t.beginSession(conn)
		t.serve(ctx, conn)
		t.endSession()
	}
}

// beginSession installs the connection and resets all per-session state.
func (t *Transport) beginSession(conn *websocket.Conn) {
	gen := t.ResetSession()

	t.mu.Lock()
	t.conn = conn
	t.linkUp = true
	t.authenticated = false
	t.lastContactMicros = t.clock()
	t.mu.Unlock()

	t.log.Info(context.Background(), "session started", logging.Uint64("generation", gen))
}

func (t *Transport) endSession() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.linkUp = false
	t.authenticated = false
	t.mu.Unlock()
}

// serve pumps frames off the connection until it fails or ctx is cancelled.
// The probe loop runs alongside and shares the connection, with writes
// serialized under t.writeMu.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.probeLoop(connCtx)
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn(ctx, "hub link lost", logging.String("error", err.Error()))
				t.metrics.CountReconnect()
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.HandleFrame(ctx, data, t.clock())
	}

	cancel()
	wg.Wait()
}

// HandleFrame authenticates and dispatches one inbound frame. nowMicros is
// the local receive timestamp (t4 for probe responses).
func (t *Transport) HandleFrame(ctx context.Context, data []byte, nowMicros int64) {
	msg, err := t.codec.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrBadMAC):
			t.metrics.CountFrame("bad_mac")
			t.log.Warn(ctx, "rejected frame with bad MAC")
		default:
			t.metrics.CountFrame("decode_error")
			t.log.Warn(ctx, "rejected undecodable frame", logging.String("error", err.Error()))
		}
		return
	}

	// The MAC held, so the hub is demonstrably on the other end.
	t.markContact(nowMicros)

	switch msg.Type {
	case command.MsgCommand:
		t.handleCommand(ctx, msg.Command, nowMicros)
	case command.MsgProbeResponse:
		t.handleProbeResponse(ctx, msg.ProbeResponse, nowMicros)
	default:
		t.metrics.CountFrame("decode_error")
	}
}

func (t *Transport) handleCommand(ctx context.Context, w command.Wire, nowMicros int64) {
	ctx, log := logging.WithMessageLogger(ctx, t.log)
	ctx, span := t.tracer.Start(ctx, "command.ingest",
		trace.WithAttributes(
			attribute.String("command.kind", w.Kind.String()),
			attribute.Int64("command.origin_sequence", int64(w.OriginSequence)),
		),
	)
	defer span.End()

	applyAt := t.resolveApplyAt(w.ApplyAtHubMicros, nowMicros)
	outcome := t.queue.Enqueue(w.Scheduled(applyAt), t.est.Generation())
	span.SetAttributes(attribute.String("queue.outcome", outcome.String()))
	t.metrics.CountFrame("accepted")

	if outcome == schedqueue.OutcomeDropped {
		log.Warn(ctx, "command dropped under queue pressure",
			logging.String("kind", w.Kind.String()),
			logging.Uint64("origin_sequence", uint64(w.OriginSequence)),
		)
	}
}

// resolveApplyAt maps a hub apply-at timestamp onto the local clock. When the
// estimator has no usable offset, or the resolved time lands outside
// ±ClampMicros of now, the command is re-aimed at now+ApplyAheadMicros so a
// wild clock estimate can never park a command in the far future or have it
// treated as ancient history.
func (t *Transport) resolveApplyAt(applyAtHubMicros, nowMicros int64) int64 {
	local, ok := t.est.HubToLocal(applyAtHubMicros)
	if !ok {
		return nowMicros + t.opts.ApplyAheadMicros
	}
	if local < nowMicros-t.opts.ClampMicros || local > nowMicros+t.opts.ClampMicros {
		return nowMicros + t.opts.ApplyAheadMicros
	}
	return local
}

func (t *Transport) handleProbeResponse(ctx context.Context, pr command.ProbeResponse, t4Micros int64) {
	t.mu.Lock()
	p, ok := t.pending[pr.Sequence]
	if ok {
		delete(t.pending, pr.Sequence)
	}
	t.mu.Unlock()

	if !ok || p.generation != pr.Generation || p.t1Micros != pr.T1Micros {
		t.metrics.CountFrame("stale")
		t.log.Debug(ctx, "discarded stale probe response",
			logging.Uint64("sequence", uint64(pr.Sequence)),
			logging.Uint64("generation", pr.Generation),
		)
		return
	}

	t.mu.Lock()
	t.window.record(true)
	t.mu.Unlock()

	result := t.est.ProcessResponse(p.t1Micros, pr.T2Micros, pr.T3Micros, t4Micros)
	t.metrics.CountFrame("accepted")
	if result == clocksync.SampleImplausible {
		t.log.Debug(ctx, "discarded implausible probe sample",
			logging.Uint64("sequence", uint64(pr.Sequence)),
		)
	}
}

// SendProbe emits one time probe and registers it for response matching.
// Pending probes older than ProbeTimeout are swept and counted as lost.
func (t *Transport) SendProbe(ctx context.Context, nowMicros int64) error {
	timeout := t.opts.ProbeTimeout.Microseconds()

	t.mu.Lock()
	for seq, p := range t.pending {
		if nowMicros-p.t1Micros >= timeout {
			delete(t.pending, seq)
			t.window.record(false)
		}
	}
	t.probeSeq++
	seq := t.probeSeq
	gen := t.est.Generation()
	t.pending[seq] = pendingProbe{t1Micros: nowMicros, generation: gen}
	conn := t.conn
	t.mu.Unlock()

	t.est.MarkProbeSent(nowMicros)

	frame, err := t.codec.EncodeProbeRequest(command.ProbeRequest{
		Generation: gen,
		Sequence:   seq,
		T1Micros:   nowMicros,
	})
	if err != nil {
		return err
	}
	if conn == nil {
		return errors.New("transport: link down")
	}
	return t.writeFrame(conn, frame)
}

func (t *Transport) writeFrame(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// probeLoop sends probes at the estimator's current cadence, re-reading the
// interval after every send so locking slows the probe rate down.
func (t *Transport) probeLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := t.SendProbe(ctx, t.clock()); err != nil {
			t.log.Debug(ctx, "probe send failed", logging.String("error", err.Error()))
		}
		timer.Reset(t.est.ProbeInterval())
	}
}

// RunSignals drives the periodic maintenance tick: estimator silence checks,
// liveness signal updates, and posture recomputation. It runs for the life of
// the process, across reconnects.
func (t *Transport) RunSignals(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SignalsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.TickSignals(t.clock())
		}
	}
}

// TickSignals performs one maintenance tick at the given local time.
func (t *Transport) TickSignals(nowMicros int64) {
	t.est.Tick(nowMicros)

	t.mu.Lock()
	last := t.lastContactMicros
	loss := t.window.ratio()
	linkUp := t.linkUp
	authenticated := t.authenticated
	t.mu.Unlock()

	silenceMillis := (nowMicros - last) / 1000
	if last == 0 {
		silenceMillis = 1 << 30
	}
	t.metrics.SetLossRatio(loss)

	t.policy.UpdateSignals(silenceMillis, loss)
	stable := t.est.LockState() == clocksync.Locked
	t.policy.Tick(stable)
	t.policy.ComposePosture(linkUp, authenticated)
}

// ResetSession atomically starts a new session generation: the estimator
// forgets its history and the queue discards everything scheduled under the
// old generation. Returns the new generation.
func (t *Transport) ResetSession() uint64 {
	gen := t.est.Reset()
	t.queue.Clear(gen)

	t.mu.Lock()
	t.pending = make(map[uint32]pendingProbe)
	t.window.reset()
	t.mu.Unlock()
	return gen
}

func (t *Transport) markContact(nowMicros int64) {
	t.mu.Lock()
	t.lastContactMicros = nowMicros
	t.authenticated = true
	t.mu.Unlock()
}

// LinkUp reports whether a hub connection is currently open.
func (t *Transport) LinkUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linkUp
}

// SessionEstablished reports whether at least one authentic frame has
// arrived on the current connection.
func (t *Transport) SessionEstablished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated
}

// PendingProbes reports how many probes are awaiting responses.
func (t *Transport) PendingProbes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// LossRatio reports the current sliding-window probe loss ratio.
func (t *Transport) LossRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window.ratio()
}
