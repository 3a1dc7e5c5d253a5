package sync

import (
	"log/slog"
	s "sync"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/emergency"
	"github.com/nilkolaj/canode/pkg/od"
)

const (
	EventNone         uint8 = 0 // No SYNC event in last cycle
	EventRxOrTx       uint8 = 1 // SYNC message was received or transmitted in last cycle
	EventPassedWindow uint8 = 2 // Time has just passed SYNC window in last cycle (0x1007)
)

// SYNC implements the producer/consumer object defined by 0x1005-0x1007 and
// 0x1019. It is self-driven : a producer schedules its own transmissions via
// [time.AfterFunc] and a consumer arms a timeout timer on each reception,
// instead of being polled on every node tick.
type SYNC struct {
	*canopen.BusManager
	logger           *slog.Logger
	mu               s.Mutex
	emcy             *emergency.EMCY
	isProducer       bool
	isOperational    bool
	cobId            uint32
	counter          uint8
	counterOverflow  uint8
	rxToggle         bool
	syncCyclePeriod  time.Duration
	syncWindowLength time.Duration
	producerTimer    *time.Timer
	windowTimer      *time.Timer
	consumerTimer    *time.Timer
	timedOut         bool
	rxCancel         func()
	txBuffer         canopen.Frame
	subscribers      map[chan uint8]struct{}
}

// Handle processes a received SYNC frame.
func (sync *SYNC) Handle(frame canopen.Frame) {
	sync.mu.Lock()

	var received bool
	if sync.counterOverflow == 0 {
		if frame.DLC == 0 {
			received = true
		} else {
			sync.mu.Unlock()
			sync.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(frame.DLC))
			sync.logger.Warn("received SYNC with unexpected length", "dlc", frame.DLC)
			return
		}
	} else {
		if frame.DLC == 1 {
			sync.counter = frame.Data[0]
			received = true
		} else {
			sync.mu.Unlock()
			sync.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(frame.DLC))
			sync.logger.Warn("received SYNC with unexpected length", "dlc", frame.DLC)
			return
		}
	}
	if !received {
		sync.mu.Unlock()
		return
	}
	sync.rxToggle = !sync.rxToggle
	if sync.timedOut {
		sync.emcy.ErrorReset(emergency.EmSyncTimeOut, 0)
		sync.timedOut = false
	}
	sync.restartConsumerTimeoutLocked()
	sync.restartWindowTimerLocked()
	counter := sync.counter
	sync.mu.Unlock()

	sync.broadcast(counter)
}

func (sync *SYNC) send() {
	sync.mu.Lock()
	sync.counter++
	if sync.counter > sync.counterOverflow {
		sync.counter = 1
	}
	sync.rxToggle = !sync.rxToggle
	sync.txBuffer.Data[0] = sync.counter
	frame := sync.txBuffer
	counter := sync.counter
	sync.mu.Unlock()

	_ = sync.Send(frame)
	sync.broadcast(counter)
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counter
}

func (sync *SYNC) RxToggle() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.rxToggle
}

func (sync *SYNC) CounterOverflow() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counterOverflow
}

// Subscribe returns a channel that receives the SYNC counter value on every
// transmitted or received SYNC. Callers must call [SYNC.Unsubscribe] when done.
func (sync *SYNC) Subscribe() chan uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	ch := make(chan uint8, 1)
	sync.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel previously returned by [SYNC.Subscribe].
func (sync *SYNC) Unsubscribe(ch chan uint8) {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	if _, ok := sync.subscribers[ch]; ok {
		delete(sync.subscribers, ch)
		close(ch)
	}
}

func (sync *SYNC) broadcast(counter uint8) {
	sync.mu.Lock()
	chans := make([]chan uint8, 0, len(sync.subscribers))
	for ch := range sync.subscribers {
		chans = append(chans, ch)
	}
	sync.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- counter:
		default:
		}
	}
}

// producerHandler is scheduled by time.AfterFunc at the configured cycle period.
func (sync *SYNC) producerHandler() {
	sync.mu.Lock()
	if !sync.isOperational || !sync.isProducer || sync.syncCyclePeriod == 0 {
		sync.mu.Unlock()
		return
	}
	period := sync.syncCyclePeriod
	sync.mu.Unlock()

	sync.send()

	sync.mu.Lock()
	if sync.producerTimer != nil {
		sync.producerTimer.Reset(period)
	}
	sync.mu.Unlock()
}

// restartConsumerTimeoutLocked arms the timeout detection timer. Caller holds sync.mu.
func (sync *SYNC) restartConsumerTimeoutLocked() {
	if sync.isProducer || sync.syncCyclePeriod == 0 {
		return
	}
	timeout := sync.syncCyclePeriod + sync.syncCyclePeriod/2
	if sync.consumerTimer == nil {
		sync.consumerTimer = time.AfterFunc(timeout, sync.consumerTimeoutHandler)
	} else {
		sync.consumerTimer.Reset(timeout)
	}
}

func (sync *SYNC) consumerTimeoutHandler() {
	sync.mu.Lock()
	if !sync.isOperational || sync.isProducer {
		sync.mu.Unlock()
		return
	}
	sync.timedOut = true
	sync.mu.Unlock()

	sync.emcy.Error(true, emergency.EmSyncTimeOut, emergency.ErrCommunication, 0)
	sync.logger.Warn("SYNC timeout error")
}

// restartWindowTimerLocked arms the synchronous window timer. Caller holds sync.mu.
func (sync *SYNC) restartWindowTimerLocked() {
	if sync.syncWindowLength == 0 {
		return
	}
	if sync.windowTimer == nil {
		sync.windowTimer = time.AfterFunc(sync.syncWindowLength, sync.windowPassedHandler)
	} else {
		sync.windowTimer.Reset(sync.syncWindowLength)
	}
}

func (sync *SYNC) windowPassedHandler() {
	sync.broadcast(EventPassedWindow)
}

// resetTimers stops and rearms the producer/consumer timers, e.g. after the
// cycle period changes.
func (sync *SYNC) resetTimers() {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	sync.resetTimersLocked()
}

func (sync *SYNC) resetTimersLocked() {
	if sync.producerTimer != nil {
		sync.producerTimer.Stop()
		sync.producerTimer = nil
	}
	if sync.consumerTimer != nil {
		sync.consumerTimer.Stop()
		sync.consumerTimer = nil
	}
	if sync.windowTimer != nil {
		sync.windowTimer.Stop()
		sync.windowTimer = nil
	}
	if !sync.isOperational {
		return
	}
	if sync.isProducer && sync.syncCyclePeriod != 0 {
		sync.producerTimer = time.AfterFunc(sync.syncCyclePeriod, sync.producerHandler)
	} else if !sync.isProducer {
		sync.restartConsumerTimeoutLocked()
	}
}

// SetOperational starts or stops the SYNC timers according to the NMT state.
func (sync *SYNC) SetOperational(operational bool) {
	sync.mu.Lock()
	sync.isOperational = operational
	sync.counter = 0
	sync.timedOut = false
	sync.mu.Unlock()
	if operational {
		sync.Start()
	} else {
		sync.Stop()
	}
}

// Start (re)arms the producer/consumer timers.
func (sync *SYNC) Start() {
	sync.resetTimers()
}

// Stop disables all timers.
func (sync *SYNC) Stop() {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	if sync.producerTimer != nil {
		sync.producerTimer.Stop()
		sync.producerTimer = nil
	}
	if sync.consumerTimer != nil {
		sync.consumerTimer.Stop()
		sync.consumerTimer = nil
	}
	if sync.windowTimer != nil {
		sync.windowTimer.Stop()
		sync.windowTimer = nil
	}
}

func NewSYNC(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if bm == nil || entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[SYNC]")

	sync := &SYNC{
		BusManager:  bm,
		logger:      logger,
		emcy:        emcy,
		subscribers: make(map[chan uint8]struct{}),
	}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		logger.Error("read error", "index", entry1005.Index, "name", entry1005.Name)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	if entry1006 == nil {
		logger.Error("COMM CYCLE PERIOD not found")
		return nil, canopen.ErrOdParameters
	} else if entry1007 == nil {
		logger.Error("SYNCHRONOUS WINDOW LENGTH not found")
		return nil, canopen.ErrOdParameters
	}

	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)
	cyclePeriodUs, err := entry1006.Uint32(0)
	if err != nil {
		logger.Error("read error", "index", entry1006.Index, "name", entry1006.Name)
		return nil, canopen.ErrOdParameters
	}
	sync.syncCyclePeriod = time.Duration(cyclePeriodUs) * time.Microsecond
	logger.Info("communication cycle period", "cyclePeriod", sync.syncCyclePeriod)

	entry1007.AddExtension(sync, od.ReadEntryDefault, writeEntry1007)
	windowLengthUs, err := entry1007.Uint32(0)
	if err != nil {
		logger.Error("read error", "index", entry1007.Index, "name", entry1007.Name)
		return nil, canopen.ErrOdParameters
	}
	sync.syncWindowLength = time.Duration(windowLengthUs) * time.Microsecond
	logger.Info("synchronous window length", "windowLength", sync.syncWindowLength)

	// Not mandatory
	var syncCounterOverflow uint8
	if entry1019 != nil {
		syncCounterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			logger.Error("read error", "index", entry1019.Index, "name", entry1019.Name)
			return nil, canopen.ErrOdParameters
		}
		if syncCounterOverflow == 1 {
			syncCounterOverflow = 2
		} else if syncCounterOverflow > 240 {
			syncCounterOverflow = 240
		}
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
		logger.Info("synchronous counter overflow", "overflow", syncCounterOverflow)
	}
	sync.counterOverflow = syncCounterOverflow
	sync.isProducer = (cobIdSync & 0x40000000) != 0
	sync.cobId = cobIdSync & 0x7FF

	rxCancel, err := sync.BusManager.Subscribe(sync.cobId, 0x7FF, false, sync)
	if err != nil {
		return nil, err
	}
	sync.rxCancel = rxCancel

	var frameSize uint8
	if syncCounterOverflow != 0 {
		frameSize = 1
	}
	sync.txBuffer = canopen.NewFrame(sync.cobId, 0, frameSize)
	logger.Info("initialisation finished")
	return sync, nil
}
