package nmt

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/od"
)

// indicateActiveInterface announces which physical bus is currently
// carrying traffic after a redundancy switchover. Not assigned a fixed
// COB-ID by CiA 302-2; this implementation places it just past the
// flying-master service block. See DESIGN.md.
const idIndicateActiveInterface uint32 = 0x77

// Sub-indices of OD 0x1F60 used by this implementation (CiA 302-2 leaves
// the exact layout to the vendor; see DESIGN.md):
//
//	1: error threshold that forces a switchover
//	2: active interface, 0 = default bus, 1 = redundant bus (read-only mirror)
//	3: default-bus error counter (read-only mirror)
const (
	redundancySubThreshold    uint8 = 1
	redundancySubActiveBus    uint8 = 2
	redundancySubErrorCounter uint8 = 3
)

const (
	redundancyPowerOnMinHealthy = 3 // fewer than 3 heartbeats seen at power-on is unhealthy
	errorCounterIncrement       = 4
	errorCounterDecrement       = 1
)

// defaultResetCommWindow bounds the post-reset-communication heartbeat
// window when the embedder does not size it explicitly via
// [Redundancy.SetResetCommWindow].
const defaultResetCommWindow = 2 * time.Second

// Redundancy implements dual-bus evaluation and active-interface
// switchover: two CAN buses, a power-on and a
// post-reset-communication heartbeat counting window on the default bus,
// and an error counter that forces a switchover on sustained default-bus
// transmit failures.
type Redundancy struct {
	logger *slog.Logger
	mu     sync.Mutex

	defaultBus   *canopen.BusManager
	redundantBus *canopen.BusManager
	entry        *od.Entry

	threshold       uint16
	errorCounter    int32
	activeIsDefault bool

	windowCount         int
	windowKind          string
	rxCancel            func()
	resetCommWindowSize time.Duration

	OnSwitchover func(activeIsDefault bool)
}

// NewRedundancy wires the evaluator to both bus managers and to OD 0x1F60.
func NewRedundancy(logger *slog.Logger, defaultBus, redundantBus *canopen.BusManager, entry1F60 *od.Entry) (*Redundancy, error) {
	if defaultBus == nil || redundantBus == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redundancy{
		logger:              logger.With("service", "[REDUNDANCY]"),
		defaultBus:          defaultBus,
		redundantBus:        redundantBus,
		entry:               entry1F60,
		activeIsDefault:     true,
		threshold:           16,
		resetCommWindowSize: defaultResetCommWindow,
	}
	if entry1F60 != nil {
		if v, err := entry1F60.Uint16(redundancySubThreshold); err == nil && v != 0 {
			r.threshold = v
		}
	}
	defaultBus.SetSendResultHook(func(err error) { r.RecordSendResult(true, err) })
	return r, nil
}

// SetResetCommWindow overrides the duration of the heartbeat-counting
// window [Redundancy.ReEvaluate] opens after an NMT reset-communication.
func (r *Redundancy) SetResetCommWindow(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCommWindowSize = duration
}

// ReEvaluate opens a "reset-comm" heartbeat evaluation window on the
// default bus, sized by [Redundancy.SetResetCommWindow] or a built-in
// default. Meant to be called after every NMT reset-communication command,
// since a slave that drops off the default bus post-reset should trigger
// the same switchover logic as a failed power-on window.
func (r *Redundancy) ReEvaluate() error {
	r.mu.Lock()
	duration := r.resetCommWindowSize
	r.mu.Unlock()
	return r.StartEvaluationWindow("reset-comm", duration)
}

// ActiveBus returns the bus manager currently designated active.
func (r *Redundancy) ActiveBus() *canopen.BusManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeIsDefault {
		return r.defaultBus
	}
	return r.redundantBus
}

func (r *Redundancy) IsDefaultActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeIsDefault
}

// StartEvaluationWindow begins counting heartbeats observed on the
// default bus for the named window ("power-on" or "reset-comm") and
// evaluates health after duration elapses.
func (r *Redundancy) StartEvaluationWindow(kind string, duration time.Duration) error {
	r.mu.Lock()
	if r.rxCancel != nil {
		r.rxCancel()
		r.rxCancel = nil
	}
	r.windowCount = 0
	r.windowKind = kind
	r.mu.Unlock()

	cancel, err := r.defaultBus.Subscribe(0x700, 0x780, false, heartbeatCounterFunc(r.countHeartbeat))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rxCancel = cancel
	r.mu.Unlock()

	time.AfterFunc(duration, r.evaluateWindow)
	return nil
}

// heartbeatCounterFunc adapts a plain func to canopen.FrameListener.
type heartbeatCounterFunc func(canopen.Frame)

func (f heartbeatCounterFunc) Handle(frame canopen.Frame) { f(frame) }

func (r *Redundancy) countHeartbeat(frame canopen.Frame) {
	r.mu.Lock()
	r.windowCount++
	r.mu.Unlock()
}

func (r *Redundancy) evaluateWindow() {
	r.mu.Lock()
	count, kind := r.windowCount, r.windowKind
	if r.rxCancel != nil {
		r.rxCancel()
		r.rxCancel = nil
	}
	r.mu.Unlock()

	unhealthy := false
	switch kind {
	case "power-on":
		unhealthy = count < redundancyPowerOnMinHealthy
	case "reset-comm":
		unhealthy = count == 0
	}
	r.logger.Info("evaluated heartbeat window", "kind", kind, "count", count, "unhealthy", unhealthy)
	if unhealthy {
		r.switchover()
	}
}

// RecordSendResult must be called by the send path after every attempted
// transmission on the default bus; it tracks the degrading/healing error
// counter and forces a switchover when the threshold is crossed.
func (r *Redundancy) RecordSendResult(onDefaultBus bool, err error) {
	if !onDefaultBus {
		return
	}
	r.mu.Lock()
	if err != nil {
		r.errorCounter += errorCounterIncrement
	} else if r.errorCounter > 0 {
		r.errorCounter -= errorCounterDecrement
	}
	counter := r.errorCounter
	crossed := r.activeIsDefault && counter >= int32(r.threshold)
	r.mu.Unlock()

	if r.entry != nil {
		_ = r.entry.PutUint32(redundancySubErrorCounter, uint32(max(counter, 0)), true)
	}
	if crossed {
		r.logger.Warn("default bus error counter crossed threshold", "counter", counter, "threshold", r.threshold)
		r.switchover()
	}
}

func max(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func (r *Redundancy) switchover() {
	r.mu.Lock()
	if !r.activeIsDefault {
		r.mu.Unlock()
		return
	}
	r.activeIsDefault = false
	onSwitchover := r.OnSwitchover
	r.mu.Unlock()

	r.logger.Warn("switching active interface to redundant bus")
	if r.entry != nil {
		_ = r.entry.PutUint8(redundancySubActiveBus, 1, true)
	}
	frame := canopen.NewFrame(idIndicateActiveInterface, 0, 1)
	frame.Data[0] = 1
	_ = r.redundantBus.Send(frame)
	if onSwitchover != nil {
		onSwitchover(false)
	}
}

// Stop releases the evaluation-window subscription, if any.
func (r *Redundancy) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rxCancel != nil {
		r.rxCancel()
		r.rxCancel = nil
	}
}
