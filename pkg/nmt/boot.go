package nmt

import (
	"fmt"
	"log/slog"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/od"
)

// SDOUploader is the subset of *sdo.SDOClient a boot pipeline needs to read
// a slave's object dictionary during boot-up. Declared locally rather than
// importing pkg/sdo to avoid a nmt<->sdo import cycle (pkg/sdo depends on
// pkg/nmt for NMT state tracking); *sdo.SDOClient satisfies this.
type SDOUploader interface {
	ReadUint32(nodeId uint8, index uint16, subindex uint8) (uint32, error)
}

// Slave assignment bits, OD 0x1F81 sub-index == node id being described.
const (
	AssignMandatory     uint32 = 0x0008
	AssignNoBootSlave   uint32 = 0x0004
	AssignNoResetComm   uint32 = 0x0002
	AssignKeepHeartbeat uint32 = 0x0010
)

// SlaveBootError reports a failed boot route, named after the CiA 302-2
// flow chart letters.
type SlaveBootError struct {
	SlaveId uint8
	Code    string
}

func (e *SlaveBootError) Error() string {
	return fmt.Sprintf("slave %d boot route error %s", e.SlaveId, e.Code)
}

// BootHooks lets the embedder observe/influence a slave's boot sequence.
type BootHooks struct {
	// UpdateConfiguration is invoked when a slave's stored configuration
	// (OD 0x1020) does not match what this master expects; it should bring
	// the slave's configuration up to date (e.g. via SDO downloads).
	UpdateConfiguration func(slaveId uint8) error
	OnBootup            func(slaveId uint8, inNetwork bool)
	OnBootError         func(slaveId uint8, code string)
	// AwaitBootHeartbeat, if set, is called once a slave's identity and
	// configuration have checked out; it should return a channel fed by the
	// heartbeat consumer's event callback for slaveId (closed or never fed
	// means the wait always times out) and the period to wait before giving
	// up. Nil skips the boot-time heartbeat wait entirely.
	AwaitBootHeartbeat func(slaveId uint8) (<-chan uint8, time.Duration)
	// VerifyStoreParameters, if set, is called for mandatory slaves that ask
	// to keep their heartbeat producer armed across a reset (OD 0x1F81 bit
	// 4) to confirm the slave actually retained its store/restore state.
	VerifyStoreParameters func(slaveId uint8) error
}

// SlaveBoot drives a single slave through the CiA 302-2 mandatory-slave
// boot pipeline on behalf of an active NMT master.
type SlaveBoot struct {
	logger    *slog.Logger
	sdoClient SDOUploader
	hooks     BootHooks
	bootTime  time.Duration
}

// NewSlaveBoot builds a boot-pipeline runner sharing the master's SDO
// client and reading the global boot time budget from OD 0x1F89.
func NewSlaveBoot(logger *slog.Logger, sdoClient SDOUploader, entry1F89 *od.Entry, hooks BootHooks) *SlaveBoot {
	if logger == nil {
		logger = slog.Default()
	}
	bootTimeMs := uint32(0)
	if entry1F89 != nil {
		bootTimeMs, _ = entry1F89.Uint32(0)
	}
	return &SlaveBoot{
		logger:    logger.With("service", "[NMT-BOOT]"),
		sdoClient: sdoClient,
		hooks:     hooks,
		bootTime:  time.Duration(bootTimeMs) * time.Millisecond,
	}
}

// Boot runs the boot pipeline for one slave described by its OD 0x1F81
// assignment word and its expected configuration date/time (0x1020,
// sub 1/2) if known locally. It blocks the caller (the master boot loop),
// not the receive dispatcher.
func (boot *SlaveBoot) Boot(slaveId uint8, assignment uint32, expectedConfigDate, expectedConfigTime uint32) error {
	logger := boot.logger.With("slave", slaveId)

	// Route A: assignment entry missing is signalled by the caller passing
	// assignment == 0 (no bits set means "do not boot").
	if assignment == 0 {
		boot.fail(slaveId, "A")
		return &SlaveBootError{slaveId, "A"}
	}
	mandatory := assignment&AssignMandatory != 0

	deadline := time.Now().Add(boot.bootTime)
	var deviceType uint32
	var err error
	for {
		deviceType, err = boot.sdoClient.ReadUint32(slaveId, od.EntryDeviceType, 0)
		if err == nil {
			break
		}
		if !mandatory || time.Now().After(deadline) {
			boot.fail(slaveId, "B")
			return &SlaveBootError{slaveId, "B"}
		}
		logger.Warn("device type read failed, retrying", "err", err)
		time.Sleep(time.Second)
	}
	logger.Debug("read device type", "deviceType", deviceType)

	// Routes C, N: verify identity/configuration date-time, fix up via the
	// UpdateConfiguration hook when it drifted from what this master expects,
	// then re-read to confirm the fix actually stuck.
	fixedUp := false
	if expectedConfigDate != 0 || expectedConfigTime != 0 {
		remoteDate, errDate := boot.sdoClient.ReadUint32(slaveId, od.EntryVerifyConfiguration, 1)
		remoteTime, errTime := boot.sdoClient.ReadUint32(slaveId, od.EntryVerifyConfiguration, 2)
		mismatched := errDate != nil || errTime != nil || remoteDate != expectedConfigDate || remoteTime != expectedConfigTime
		if mismatched && boot.hooks.UpdateConfiguration != nil {
			if err := boot.hooks.UpdateConfiguration(slaveId); err != nil {
				logger.Error("update configuration failed", "err", err)
				boot.fail(slaveId, "C")
				return &SlaveBootError{slaveId, "C"}
			}
			fixedUp = true
		}
	}
	if fixedUp && mandatory {
		remoteDate, errDate := boot.sdoClient.ReadUint32(slaveId, od.EntryVerifyConfiguration, 1)
		remoteTime, errTime := boot.sdoClient.ReadUint32(slaveId, od.EntryVerifyConfiguration, 2)
		if errDate != nil || errTime != nil || remoteDate != expectedConfigDate || remoteTime != expectedConfigTime {
			logger.Error("configuration still mismatched after update")
			boot.fail(slaveId, "N")
			return &SlaveBootError{slaveId, "N"}
		}
	}

	// Routes D, J, L: wait for the slave to announce itself alive before
	// declaring it booted. A mandatory slave that never shows up, or shows
	// up in a state this master did not expect, aborts the boot; an
	// optional slave is merely logged and the pipeline moves on.
	if boot.hooks.AwaitBootHeartbeat != nil {
		ch, period := boot.hooks.AwaitBootHeartbeat(slaveId)
		state, err := AwaitHeartbeat(slaveId, period, ch)
		if err != nil {
			if mandatory {
				boot.fail(slaveId, "D")
				return &SlaveBootError{slaveId, "D"}
			}
			boot.fail(slaveId, "J")
		} else if mandatory && state != StateUnknown && state != StatePreOperational && state != StateOperational {
			logger.Error("slave reported unexpected state before boot completed", "state", state)
			boot.fail(slaveId, "L")
			return &SlaveBootError{slaveId, "L"}
		}
	}

	// Route M: a mandatory slave that asks to keep its heartbeat producer
	// armed across this reset must prove it actually retained that state.
	if mandatory && assignment&AssignKeepHeartbeat != 0 && boot.hooks.VerifyStoreParameters != nil {
		if err := boot.hooks.VerifyStoreParameters(slaveId); err != nil {
			logger.Error("store parameters verification failed", "err", err)
			boot.fail(slaveId, "M")
			return &SlaveBootError{slaveId, "M"}
		}
	}

	if boot.hooks.OnBootup != nil {
		boot.hooks.OnBootup(slaveId, true)
	}
	return nil
}

func (boot *SlaveBoot) fail(slaveId uint8, code string) {
	boot.logger.Error("boot route failed", "slave", slaveId, "code", code)
	if boot.hooks.OnBootError != nil {
		boot.hooks.OnBootError(slaveId, code)
	}
}

// AwaitHeartbeat blocks until an NMT state for slaveId arrives on nmtState
// (whatever that state is), or the period elapses without one (error K,
// which [SlaveBoot.Boot] turns into route D or J depending on whether the
// slave is mandatory). The caller supplies a channel fed by the heartbeat
// consumer's event callback for this slave.
func AwaitHeartbeat(slaveId uint8, period time.Duration, nmtState <-chan uint8) (uint8, error) {
	if period == 0 {
		return StateUnknown, nil
	}
	select {
	case state := <-nmtState:
		return state, nil
	case <-time.After(period):
		return StateUnknown, &SlaveBootError{slaveId, "K"}
	}
}

// StartRemoteSlaves issues one per-slave NMT start command for each id in
// slaveIds (no broadcast), unless OD 0x1F80
// bit 7 (do not start NMT slaves) forbids it. A send failure for a given
// slave is route O : the slave finished booting but could not be told to
// go operational.
func StartRemoteSlaves(bm *canopen.BusManager, startupWord uint16, slaveIds []uint8) error {
	if startupWord&StartupNoStartSlaves != 0 {
		return nil
	}
	for _, id := range slaveIds {
		frame := canopen.NewFrame(uint32(ServiceId), 0, 2)
		frame.Data[0] = uint8(CommandEnterOperational)
		frame.Data[1] = id
		if err := bm.Send(frame); err != nil {
			return &SlaveBootError{id, "O"}
		}
	}
	return nil
}
