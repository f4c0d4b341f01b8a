package endpoint

import (
	"errors"
	"sync"
	"time"

	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/metrics"
	"github.com/nearbycore/connections/internal/wire"
	"github.com/nearbycore/connections/internal/worker"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("endpoint")

// ErrUnknownEndpoint is returned by operations addressing an endpoint id
// the Manager has no registration for.
var ErrUnknownEndpoint = errors.New("endpoint: unknown endpoint id")

// ErrTooManyEndpoints is returned by Register once kMaxConcurrentEndpoints
// registrations are already live.
var ErrTooManyEndpoints = errors.New("endpoint: too many concurrent endpoints")

// MaxConcurrentEndpoints bounds how many channels Manager will run reader
// loops for at once.
const MaxConcurrentEndpoints = 50

// processDisconnectionTimeout bounds how long discard waits for processors
// to observe a disconnection callback before moving on.
const processDisconnectionTimeout = 2 * time.Second

// DefaultKeepAliveInterval and DefaultKeepAliveTimeout apply to any
// registration whose caller passes non-positive values, typically because
// ConnectionOptions left them unset.
const (
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultKeepAliveTimeout  = 30 * time.Second
)

// FrameProcessor receives frames of a given Kind routed to it by Manager.
// The Pcp handler, payload engine, and upgrade manager each register as a
// processor for the kinds they own.
type FrameProcessor interface {
	ProcessFrame(endpointID string, frame *wire.OfflineFrame)
	// OnDisconnected is called once for each endpoint that was registered
	// with this processor when its channel is discarded, for any reason.
	OnDisconnected(endpointID string)
}

type registration struct {
	worker.Worker

	endpointID string

	mu                sync.RWMutex
	channel           *Channel
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
}

func (r *registration) currentChannel() *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *registration) setChannel(ch *Channel) {
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
}

// Manager owns the live set of endpoint Channels, running one reader loop
// and one keep-alive loop per registration, and dispatches frames to
// registered processors by Kind. Registry mutations run through a single
// serial executor goroutine so Register/Unregister/RegisterProcessor never
// race each other, mirroring connection.go's single owning goroutine for
// state transitions.
type Manager struct {
	worker.Worker

	cmds chan func(*managerState)
}

type managerState struct {
	regs       map[string]*registration
	processors map[wire.Kind][]FrameProcessor
}

// NewManager starts the Manager's command-serialization goroutine.
func NewManager() *Manager {
	m := &Manager{cmds: make(chan func(*managerState), 64)}
	st := &managerState{
		regs:       make(map[string]*registration),
		processors: make(map[wire.Kind][]FrameProcessor),
	}
	m.Go(func() {
		for {
			select {
			case fn := <-m.cmds:
				fn(st)
			case <-m.HaltCh():
				for id, reg := range st.regs {
					reg.Halt()
					reg.currentChannel().Close()
					delete(st.regs, id)
				}
				return
			}
		}
	})
	return m
}

func (m *Manager) exec(fn func(*managerState)) {
	done := make(chan struct{})
	select {
	case m.cmds <- func(st *managerState) {
		fn(st)
		close(done)
	}:
		select {
		case <-done:
		case <-m.HaltCh():
		}
	case <-m.HaltCh():
	}
}

// Register starts a reader loop and keep-alive loop for ch, routing
// incoming frames to whichever processors are registered for their Kind.
// It returns ErrTooManyEndpoints once MaxConcurrentEndpoints registrations
// are live.
func (m *Manager) Register(ch *Channel, keepAliveInterval, keepAliveTimeout time.Duration) error {
	var regErr error
	m.exec(func(st *managerState) {
		if len(st.regs) >= MaxConcurrentEndpoints {
			regErr = ErrTooManyEndpoints
			return
		}
		if keepAliveInterval <= 0 {
			keepAliveInterval = DefaultKeepAliveInterval
		}
		if keepAliveTimeout <= 0 {
			keepAliveTimeout = DefaultKeepAliveTimeout
		}
		reg := &registration{
			endpointID:        ch.EndpointID,
			channel:           ch,
			keepAliveInterval: keepAliveInterval,
			keepAliveTimeout:  keepAliveTimeout,
		}
		st.regs[ch.EndpointID] = reg
		m.startReaderLoop(reg)
		m.startKeepAliveLoop(reg)
	})
	return regErr
}

// Unregister halts the reader/keep-alive loops for endpointID, closes its
// channel, and notifies every registered processor, whether or not it saw
// frames from the endpoint.
// Unregister is a no-op if the endpoint is not registered (latch
// semantics: a concurrent discard and explicit Unregister do not race).
func (m *Manager) Unregister(endpointID string) {
	m.discard(endpointID)
}

// discard removes the registration on the serial executor, then delivers
// the disconnection callbacks outside it: a processor reacting to
// OnDisconnected is free to call back into the Manager without deadlocking
// the command goroutine.
func (m *Manager) discard(endpointID string) {
	var reg *registration
	var procs []FrameProcessor
	m.exec(func(st *managerState) {
		var ok bool
		reg, ok = st.regs[endpointID]
		if !ok {
			return
		}
		delete(st.regs, endpointID)
		for _, ps := range st.processors {
			procs = append(procs, ps...)
		}
	})
	if reg == nil {
		return
	}
	reg.Halt()
	reg.currentChannel().Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range procs {
			p.OnDisconnected(endpointID)
		}
	}()
	select {
	case <-done:
	case <-time.After(processDisconnectionTimeout):
		log.Warningf("endpoint %s: disconnection processing exceeded %v", endpointID, processDisconnectionTimeout)
	}
}

// RegisterProcessor adds p to the set invoked for frames of kind k.
func (m *Manager) RegisterProcessor(k wire.Kind, p FrameProcessor) {
	m.exec(func(st *managerState) {
		st.processors[k] = append(st.processors[k], p)
	})
}

// UnregisterProcessor removes the exact p instance from kind k's processor
// list, per the exact-instance-removal invariant (two processors must not
// be conflated even if they'd behave identically).
func (m *Manager) UnregisterProcessor(k wire.Kind, p FrameProcessor) {
	m.exec(func(st *managerState) {
		procs := st.processors[k]
		for i, existing := range procs {
			if existing == p {
				st.processors[k] = append(procs[:i], procs[i+1:]...)
				return
			}
		}
	})
}

// SendFrame writes f to endpointID's channel.
func (m *Manager) SendFrame(endpointID string, f *wire.OfflineFrame) error {
	var reg *registration
	m.exec(func(st *managerState) {
		reg = st.regs[endpointID]
	})
	if reg == nil {
		return ErrUnknownEndpoint
	}
	return reg.currentChannel().WriteFrame(f)
}

// SwapChannel installs newCh as endpointID's active channel without
// stopping its reader/keep-alive loops: readers re-fetch the channel by
// endpoint id on their next iteration and transparently observe newCh. It
// returns ErrUnknownEndpoint if endpointID is not registered.
func (m *Manager) SwapChannel(endpointID string, newCh *Channel) error {
	var reg *registration
	m.exec(func(st *managerState) {
		reg = st.regs[endpointID]
	})
	if reg == nil {
		return ErrUnknownEndpoint
	}
	old := reg.currentChannel()
	reg.setChannel(newCh)
	old.Close()
	return nil
}

// Channel returns the currently active channel for endpointID, or nil if
// it is not registered. Callers (e.g. the upgrade manager draining the old
// channel before a swap) must re-fetch by id rather than retain the
// pointer across a suspension point.
func (m *Manager) Channel(endpointID string) *Channel {
	var reg *registration
	m.exec(func(st *managerState) {
		reg = st.regs[endpointID]
	})
	if reg == nil {
		return nil
	}
	return reg.currentChannel()
}

// Broadcast writes f to every endpoint in ids, returning the subset whose
// write failed.
func (m *Manager) Broadcast(ids []string, f *wire.OfflineFrame) []string {
	var channels map[string]*Channel
	m.exec(func(st *managerState) {
		channels = make(map[string]*Channel, len(ids))
		for _, id := range ids {
			if reg, ok := st.regs[id]; ok {
				channels[id] = reg.currentChannel()
			}
		}
	})

	var failed []string
	for _, id := range ids {
		ch, ok := channels[id]
		if !ok {
			failed = append(failed, id)
			continue
		}
		if err := ch.WriteFrame(f); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// startReaderLoop runs in its own goroutine per registration, reading
// frames until the channel errors or the registration is halted. On exit
// for any reason it calls discard, so a dead reader always tears its
// registration down rather than leaving a half-alive endpoint around.
func (m *Manager) startReaderLoop(reg *registration) {
	endpointID := reg.endpointID
	reg.Go(func() {
		defer m.discard(endpointID)

		var lastFailedMedium medium.Tag
		haveLastFailed := false
		for {
			select {
			case <-reg.HaltCh():
				return
			default:
			}

			// Re-fetch by endpoint id on every iteration: a bandwidth
			// upgrade may have swapped in a new channel since the last
			// read.
			ch := reg.currentChannel()

			frame, err := ch.ReadFrame()
			if err != nil {
				if errors.Is(err, wire.ErrInvalidWireFormat) {
					metrics.FramesDropped.WithLabelValues("malformed").Inc()
					log.Warningf("endpoint %s: dropping malformed frame: %v", endpointID, err)
					continue
				}
				if haveLastFailed && lastFailedMedium == ch.Tag {
					log.Warningf("endpoint %s: repeated failure on medium %s, discarding: %v", endpointID, ch.Tag, err)
					return
				}
				lastFailedMedium = ch.Tag
				haveLastFailed = true
				log.Warningf("endpoint %s: read error on medium %s: %v", endpointID, ch.Tag, err)
				continue
			}

			m.dispatch(endpointID, frame)
		}
	})
}

// dispatch snapshots the processor list on the serial executor, then
// invokes the processors from the reader goroutine itself: a processor is
// free to call Register/Unregister/SendFrame without deadlocking the
// command goroutine, and frames from one endpoint stay in FIFO order
// because each endpoint has exactly one reader.
func (m *Manager) dispatch(endpointID string, frame *wire.OfflineFrame) {
	var procs []FrameProcessor
	m.exec(func(st *managerState) {
		procs = append(procs, st.processors[frame.Kind]...)
	})
	if len(procs) == 0 {
		// A keep-alive already did its job by advancing the channel's
		// last-read timestamp; anything else unhandled is worth counting.
		if frame.Kind != wire.KindKeepAlive {
			metrics.FramesDropped.WithLabelValues("unhandled_kind").Inc()
			log.Warningf("endpoint %s: dropping %s frame with no registered processor", endpointID, frame.Kind)
		}
		return
	}
	for _, p := range procs {
		p.ProcessFrame(endpointID, frame)
	}
}

func (m *Manager) startKeepAliveLoop(reg *registration) {
	reg.Go(func() {
		ticker := time.NewTicker(reg.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reg.HaltCh():
				return
			case <-ticker.C:
				ch := reg.currentChannel()
				if time.Since(ch.LastReadAt()) > reg.keepAliveTimeout {
					log.Warningf("endpoint %s: keep-alive timeout exceeded", reg.endpointID)
					ch.Close()
					return
				}
				if err := ch.WriteFrame(&wire.OfflineFrame{
					Kind:      wire.KindKeepAlive,
					KeepAlive: &wire.KeepAliveFrame{},
				}); err != nil {
					// A paused channel is mid-upgrade-swap; skip this tick
					// and keep ticking against whatever channel the swap
					// installs. Other write errors are left for the reader
					// loop to classify, since it owns discard decisions.
					log.Warningf("endpoint %s: keep-alive write failed: %v", reg.endpointID, err)
					continue
				}
			}
		}
	})
}

// Endpoints returns the set of currently registered endpoint ids.
func (m *Manager) Endpoints() []string {
	var ids []string
	m.exec(func(st *managerState) {
		ids = make([]string, 0, len(st.regs))
		for id := range st.regs {
			ids = append(ids, id)
		}
	})
	return ids
}
