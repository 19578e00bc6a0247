package radio

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/radiomgr/internal/groutine"
)

const mailboxSize = 16

// TransportStateMachine drives one transport's adapter through
// Uninitialized -> Initializing -> Ready | Faulted.
//
// All transitions happen under mu. Driver calls are made outside of it once the
// state has been advanced to Initializing, and hardware events arrive through a
// mailbox drained in delivery order by a single pump goroutine.
type TransportStateMachine struct {
	kind    TransportKind
	driver  PowerPort
	logger  *logrus.Logger
	timeout time.Duration
	emit    func(Diagnostic)

	mu         sync.Mutex
	state      State
	token      Token
	lastErr    error
	inflight   *initAttempt
	lostDuring *HardwareEvent
	registered bool
	dependents []func(cause error)

	mailbox chan mailboxItem
	pending atomic.Int32
	closed  chan struct{}
	once    sync.Once
}

// initAttempt is shared by every caller that joins one initialization.
type initAttempt struct {
	id   string
	done chan struct{}
	err  error
}

type mailboxItem struct {
	event   HardwareEvent
	barrier chan struct{}
}

type powerResult struct {
	token Token
	err   error
}

func newTransportStateMachine(kind TransportKind, driver PowerPort, logger *logrus.Logger, timeout time.Duration, emit func(Diagnostic)) *TransportStateMachine {
	return &TransportStateMachine{
		kind:    kind,
		driver:  driver,
		logger:  logger,
		timeout: timeout,
		emit:    emit,
		mailbox: make(chan mailboxItem, mailboxSize),
		closed:  make(chan struct{}),
	}
}

// Kind returns the transport this state machine manages.
func (sm *TransportStateMachine) Kind() TransportKind {
	return sm.kind
}

// State returns the current lifecycle state.
func (sm *TransportStateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Handle returns a snapshot of the adapter handle.
func (sm *TransportStateMachine) Handle() AdapterHandle {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return AdapterHandle{Kind: sm.kind, State: sm.state, Token: sm.token}
}

// LastError returns the cause of the most recent failure, or nil once Ready.
func (sm *TransportStateMachine) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

// OnTeardown registers fn to run whenever the adapter leaves Ready involuntarily
// or is shut down. fn runs outside the state machine's lock.
func (sm *TransportStateMachine) OnTeardown(fn func(cause error)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.dependents = append(sm.dependents, fn)
}

// Initialize brings the adapter to Ready.
//
// A Ready adapter returns immediately without touching the driver. Callers that
// arrive while an initialization is in flight wait for it and share its outcome.
// Hardware events already queued are applied first, so a loss that raced the
// call is observed rather than a stale Ready.
func (sm *TransportStateMachine) Initialize(ctx context.Context) error {
	if sm.pending.Load() > 0 {
		if err := sm.flush(ctx); err != nil {
			return &AdapterError{Kind: KindTimeout, Transport: sm.kind, Op: "initialize", Err: err}
		}
	}

	sm.mu.Lock()
	switch sm.state {
	case Ready:
		sm.mu.Unlock()
		return nil
	case Initializing:
		attempt := sm.inflight
		sm.mu.Unlock()
		sm.log().WithField("attempt", attempt.id).Debug("Joining in-flight initialization")
		return sm.await(ctx, attempt, "initialize")
	}

	from := sm.state
	attempt := &initAttempt{id: xid.New().String(), done: make(chan struct{})}
	sm.state = Initializing
	sm.inflight = attempt
	sm.lostDuring = nil
	register := !sm.registered
	sm.mu.Unlock()

	sm.transition(from, Initializing, attempt.id, nil)

	token, err := sm.powerOn(ctx, register)
	sm.complete(attempt, token, err)

	return attempt.err
}

// Shutdown powers the adapter off and returns it to Uninitialized.
// Dependents are torn down before the driver releases the resource.
func (sm *TransportStateMachine) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	for sm.state == Initializing {
		attempt := sm.inflight
		sm.mu.Unlock()
		// a failed attempt is shut down below like any Faulted adapter
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return &AdapterError{Kind: KindTimeout, Transport: sm.kind, Op: "shutdown", Err: ctx.Err()}
		}
		sm.mu.Lock()
	}

	from, token := sm.state, sm.token
	if from == Uninitialized {
		sm.mu.Unlock()
		return nil
	}

	sm.state = Uninitialized
	sm.token = ""
	sm.lastErr = nil
	dependents := slices.Clone(sm.dependents)
	sm.mu.Unlock()

	sm.transition(from, Uninitialized, "", nil)
	for _, fn := range dependents {
		fn(errShutdown)
	}

	if from != Ready || token.IsZero() {
		return nil
	}

	err := callDriver("power-off", func() error {
		return sm.driver.PowerOff(ctx, sm.kind, token)
	})
	if err != nil {
		err = wrapDriverError(sm.kind, "shutdown", err, KindDriverFailure)
		sm.log().WithError(err).Warn("Driver failed to power off adapter")
		return err
	}

	sm.log().WithField("token", token).Info("Adapter shut down")
	return nil
}

// requireReady returns nil when the adapter is Ready, or the error op must fail with.
func (sm *TransportStateMachine) requireReady(op string) error {
	sm.mu.Lock()
	state, cause := sm.state, sm.lastErr
	sm.mu.Unlock()

	switch state {
	case Ready:
		return nil
	case Faulted:
		return &AdapterError{
			Kind:      KindAdapterNotReady,
			Transport: sm.kind,
			Op:        op,
			Err:       &AdapterError{Kind: KindAlreadyFaulted, Err: cause},
		}
	default:
		return &AdapterError{
			Kind:      KindAdapterNotReady,
			Transport: sm.kind,
			Op:        op,
			Err:       fmt.Errorf("adapter is %s", state),
		}
	}
}

func (sm *TransportStateMachine) await(ctx context.Context, attempt *initAttempt, op string) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return &AdapterError{Kind: KindTimeout, Transport: sm.kind, Op: op, Err: ctx.Err()}
	}
}

// powerOn registers the hardware callback on first use and waits at most
// sm.timeout for the driver to confirm. The attempt is shared by every waiter,
// so it is not bound to the first caller's cancellation.
func (sm *TransportStateMachine) powerOn(ctx context.Context, register bool) (Token, error) {
	if register {
		err := callDriver("register-callback", func() error {
			return sm.driver.RegisterHardwareEventCallback(sm.kind, sm.deliver)
		})
		if err != nil {
			return "", wrapDriverError(sm.kind, "initialize", err, KindDriverUnavailable)
		}
		sm.mu.Lock()
		sm.registered = true
		sm.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.timeout)
	defer cancel()

	results := make(chan powerResult, 1)
	groutine.Go(ctx, "radio-power-on-"+sm.kind.Slug(), func(ctx context.Context) {
		var r powerResult
		r.err = callDriver("power-on", func() (err error) {
			r.token, err = sm.driver.PowerOn(ctx, sm.kind)
			return err
		})
		results <- r
	})

	select {
	case r := <-results:
		if r.err != nil {
			return "", wrapDriverError(sm.kind, "initialize", r.err, KindDriverFailure)
		}
		return r.token, nil
	case <-ctx.Done():
		go sm.discardLate(results)
		return "", &AdapterError{
			Kind:      KindTimeout,
			Transport: sm.kind,
			Op:        "initialize",
			Err:       fmt.Errorf("driver did not confirm power-on within %s", sm.timeout),
		}
	}
}

// discardLate releases a resource the driver confirmed after the wait expired.
func (sm *TransportStateMachine) discardLate(results <-chan powerResult) {
	r := <-results
	if r.err != nil || r.token.IsZero() {
		return
	}

	sm.log().WithField("token", r.token).Warn("Discarding late power-on confirmation")
	sm.release(r.token)
}

// release powers off a resource the adapter will not keep.
func (sm *TransportStateMachine) release(token Token) {
	err := callDriver("power-off", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()
		return sm.driver.PowerOff(ctx, sm.kind, token)
	})
	if err != nil {
		sm.log().WithField("token", token).WithError(err).Debug("Driver failed to release resource")
	}
}

func (sm *TransportStateMachine) complete(attempt *initAttempt, token Token, err error) {
	sm.mu.Lock()
	loss := sm.lostDuring
	sm.lostDuring = nil
	lost := false
	if err == nil && loss != nil && (loss.Token.IsZero() || loss.Token == token) {
		err = lossCause(sm.kind, "initialize", *loss)
		lost, loss = true, nil
	}
	to := Ready
	if err != nil {
		to = Faulted
		sm.token = ""
		sm.lastErr = err
	} else {
		sm.token = token
		sm.lastErr = nil
	}
	sm.state = to
	sm.inflight = nil
	attempt.err = err
	close(attempt.done)
	sm.mu.Unlock()

	if loss != nil {
		sm.log().WithField("token", loss.Token).Debug("Ignoring hardware loss seen during initialization")
		sm.emitIgnored(*loss)
	}
	if lost {
		d := newDiagnostic(sm.kind, DiagHardwareLost, err)
		d.From, d.To, d.Attempt = Initializing, Faulted, attempt.id
		sm.emit(d)
		if !token.IsZero() {
			sm.release(token)
		}
	}

	if err != nil {
		sm.log().WithFields(logrus.Fields{
			"attempt": attempt.id,
			"kind":    KindOf(err),
		}).WithError(err).Warn("Adapter initialization failed")
	} else {
		sm.log().WithFields(logrus.Fields{
			"attempt": attempt.id,
			"token":   token,
		}).Info("Adapter ready")
	}
	sm.transition(Initializing, to, attempt.id, err)
}

// deliver is the callback handed to the driver. It only enqueues.
func (sm *TransportStateMachine) deliver(ev HardwareEvent) {
	ev.Transport = sm.kind
	sm.pending.Inc()
	select {
	case sm.mailbox <- mailboxItem{event: ev}:
	case <-sm.closed:
		sm.pending.Dec()
	}
}

// flush returns once every event enqueued before the call has been applied.
func (sm *TransportStateMachine) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case sm.mailbox <- mailboxItem{barrier: barrier}:
	case <-sm.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-sm.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump applies hardware events one at a time, in delivery order.
func (sm *TransportStateMachine) pump(ctx context.Context) {
	defer sm.once.Do(func() { close(sm.closed) })

	for {
		select {
		case item := <-sm.mailbox:
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			sm.handleHardwareEvent(item.event)
			sm.pending.Dec()
		case <-ctx.Done():
			return
		}
	}
}

func (sm *TransportStateMachine) handleHardwareEvent(ev HardwareEvent) {
	logger := sm.log().WithField("event", ev.Type)

	if ev.Type != HardwareLost {
		logger.Debug("Ignoring unknown hardware event")
		return
	}

	sm.mu.Lock()
	if sm.state == Initializing {
		// Applied once the driver answers, against the token it returns.
		recorded := ev
		sm.lostDuring = &recorded
		sm.mu.Unlock()
		logger.Debug("Hardware loss during initialization")
		return
	}
	if sm.state != Ready {
		state := sm.state
		sm.mu.Unlock()
		logger.WithField("state", state).Debug("Ignoring hardware loss outside Ready")
		sm.emitIgnored(ev)
		return
	}
	if !ev.Token.IsZero() && ev.Token != sm.token {
		sm.mu.Unlock()
		logger.WithField("token", ev.Token).Debug("Ignoring hardware loss for a replaced resource")
		sm.emitIgnored(ev)
		return
	}

	cause := lossCause(sm.kind, "hardware-event", ev)
	reason := cause.Err
	sm.state = Faulted
	sm.token = ""
	sm.lastErr = cause
	dependents := slices.Clone(sm.dependents)
	sm.mu.Unlock()

	logger.WithError(reason).Warn("Hardware lost, adapter faulted")
	d := newDiagnostic(sm.kind, DiagHardwareLost, cause)
	d.From, d.To = Ready, Faulted
	sm.emit(d)
	sm.transition(Ready, Faulted, "", cause)

	for _, fn := range dependents {
		fn(cause)
	}
}

// fault routes an internally detected driver crash through the same path as a
// hardware loss, so it is ordered with driver-delivered events.
func (sm *TransportStateMachine) fault(cause error) {
	ev := HardwareEvent{Transport: sm.kind, Type: HardwareLost, Token: sm.Handle().Token, Err: cause}
	sm.pending.Inc()
	select {
	case sm.mailbox <- mailboxItem{event: ev}:
	default:
		// the pump may be waiting on the caller's lock
		go func() {
			select {
			case sm.mailbox <- mailboxItem{event: ev}:
			case <-sm.closed:
				sm.pending.Dec()
			}
		}()
	}
}

func lossCause(kind TransportKind, op string, ev HardwareEvent) *AdapterError {
	reason := ev.Err
	if reason == nil {
		reason = errHardwareLost
	}
	return &AdapterError{Kind: KindDriverUnavailable, Transport: kind, Op: op, Err: reason}
}

func (sm *TransportStateMachine) close() {
	sm.once.Do(func() { close(sm.closed) })
}

func (sm *TransportStateMachine) transition(from, to State, attempt string, err error) {
	d := newDiagnostic(sm.kind, DiagStateChanged, err)
	d.From, d.To, d.Attempt = from, to, attempt
	sm.emit(d)

	sm.log().WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Adapter state changed")
}

func (sm *TransportStateMachine) emitIgnored(ev HardwareEvent) {
	d := newDiagnostic(sm.kind, DiagEventIgnored, ev.Err)
	state := sm.State()
	d.From, d.To = state, state
	sm.emit(d)
}

func (sm *TransportStateMachine) log() *logrus.Entry {
	return sm.logger.WithField("transport", sm.kind.Slug())
}
