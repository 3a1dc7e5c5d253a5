package nmt

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/od"
)

// NMT startup (OD 0x1F80) bit meanings, CiA 302-2.
const (
	StartupIsMaster      uint16 = 0x0001 // bit 0
	StartupNoSelfStart   uint16 = 0x0004 // bit 2
	StartupFlyingMaster  uint16 = 0x0020 // bit 5
	StartupNoStartSlaves uint16 = 0x0080 // bit 7
)

// MasterRole describes the NMT mastership capability read from 0x1F80.
type MasterRole uint8

const (
	RoleNone  MasterRole = iota // not NMT master capable
	RoleFixed                   // fixed (non-negotiated) master
	RoleFlying                  // flying master, subject to election
)

// RoleFromStartup decodes the master capability from an OD 0x1F80 value.
func RoleFromStartup(startup uint16) MasterRole {
	if startup&StartupIsMaster == 0 {
		return RoleNone
	}
	if startup&StartupFlyingMaster != 0 {
		return RoleFlying
	}
	return RoleFixed
}

// NMT master service COB-IDs, function code 0, broadcast range 0x71..0x76.
const (
	masterServiceBase       uint32 = 0x70
	idGlobalFailsafeCommand uint32 = 0x71
	idMasterNodeIdAnnounce  uint32 = 0x72 // "flying-master response" : (priority, node_id)
	idFlyingMasterRequest   uint32 = 0x73
	idActiveMasterRequest   uint32 = 0x74
	idActiveMasterResponse  uint32 = 0x75 // (priority, node_id) of current active master
	idForceFlyingMaster     uint32 = 0x76
)

// electionState is the flying-master negotiation state machine:
// {Slave, CandidateActive, ActiveMaster, InactiveMaster}, driven by
// timer expiry and received NMT master-service frames.
type electionState uint8

const (
	electionSlave electionState = iota
	electionCandidateActive
	electionActiveMaster
	electionInactiveMaster
)

// FlyingMasterTiming holds OD 0x1F90 negotiation parameters.
type FlyingMasterTiming struct {
	Priority uint8 // lower wins
	Delay    uint16
	Timeout  uint16
}

// priorityStep staggers the claim broadcast by priority so that, absent any
// received frame, the lowest-priority (best) candidate always claims
// mastership first. Not specified by CiA 302-6 as a fixed constant; this
// is this implementation's resolution of the negotiation race, recorded
// in DESIGN.md.
const priorityStep = 10 * time.Millisecond

// FlyingMaster runs the election protocol for one locally hosted node that
// has NMT master capability with the flying-master bit set.
type FlyingMaster struct {
	bm     *canopen.BusManager
	logger *slog.Logger
	mu     sync.Mutex

	nodeId uint8
	timing FlyingMasterTiming

	state      electionState
	activeId   uint8 // node id of the elected active master, once known
	claimTimer *time.Timer
	delayTimer *time.Timer
	rxCancel   func()

	OnActiveMasterWon  func()
	OnActiveMasterLost func(winnerId uint8)
}

// NewFlyingMaster builds an election handler reading its timing from
// OD 0x1F90 (sub 1 priority, sub 2 delay ms, sub 3 timeout ms).
func NewFlyingMaster(bm *canopen.BusManager, logger *slog.Logger, nodeId uint8, entry1F90 *od.Entry) (*FlyingMaster, error) {
	if bm == nil || entry1F90 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	priority, err := entry1F90.Uint8(1)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	delay, err := entry1F90.Uint16(2)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	timeout, err := entry1F90.Uint16(3)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	fm := &FlyingMaster{
		bm:     bm,
		logger: logger.With("service", "[FLYING-MASTER]"),
		nodeId: nodeId,
		timing: FlyingMasterTiming{Priority: priority, Delay: delay, Timeout: timeout},
		state:  electionSlave,
	}
	cancel, err := bm.Subscribe(masterServiceBase, 0x7F8, false, fm)
	if err != nil {
		return nil, err
	}
	fm.rxCancel = cancel
	return fm, nil
}

// Handle dispatches NMT master-service frames to the election logic.
func (fm *FlyingMaster) Handle(frame canopen.Frame) {
	switch frame.ID {
	case idActiveMasterRequest:
		fm.onActiveMasterRequest()
	case idActiveMasterResponse, idMasterNodeIdAnnounce:
		if frame.DLC < 2 {
			return
		}
		fm.onMasterAnnouncement(frame.Data[0], frame.Data[1])
	}
}

// StartElection is invoked on NMT reset-communication for flying-master
// capable nodes.
func (fm *FlyingMaster) StartElection() {
	fm.mu.Lock()
	fm.state = electionCandidateActive
	fm.activeId = 0
	fm.mu.Unlock()

	claimDelay := time.Duration(fm.timing.Delay)*time.Millisecond + time.Duration(fm.timing.Priority)*priorityStep
	fm.mu.Lock()
	fm.delayTimer = time.AfterFunc(claimDelay, fm.broadcastActiveMasterRequest)
	fm.mu.Unlock()
}

func (fm *FlyingMaster) broadcastActiveMasterRequest() {
	fm.mu.Lock()
	if fm.state != electionCandidateActive {
		fm.mu.Unlock()
		return
	}
	fm.mu.Unlock()

	_ = fm.send(idActiveMasterRequest, nil)

	fm.mu.Lock()
	fm.claimTimer = time.AfterFunc(time.Duration(fm.timing.Timeout)*time.Millisecond, fm.onElectionTimeout)
	fm.mu.Unlock()
}

func (fm *FlyingMaster) onElectionTimeout() {
	fm.mu.Lock()
	if fm.state != electionCandidateActive {
		fm.mu.Unlock()
		return
	}
	fm.state = electionActiveMaster
	fm.activeId = fm.nodeId
	priority, nodeId := fm.timing.Priority, fm.nodeId
	onWon := fm.OnActiveMasterWon
	fm.mu.Unlock()

	fm.logger.Info("no competing master observed, becoming active master", "priority", priority)
	_ = fm.send(idMasterNodeIdAnnounce, []byte{priority, nodeId})
	if onWon != nil {
		onWon()
	}
}

// onActiveMasterRequest answers a peer's discovery broadcast if we are
// already the active master.
func (fm *FlyingMaster) onActiveMasterRequest() {
	fm.mu.Lock()
	isActive := fm.state == electionActiveMaster
	priority, nodeId := fm.timing.Priority, fm.nodeId
	fm.mu.Unlock()
	if isActive {
		_ = fm.send(idActiveMasterResponse, []byte{priority, nodeId})
	}
}

// onMasterAnnouncement processes either an active-master response to our
// own discovery request or an unsolicited master-node-id announcement.
func (fm *FlyingMaster) onMasterAnnouncement(announcedPriority uint8, announcedNodeId uint8) {
	if announcedNodeId == fm.nodeId {
		return
	}
	fm.mu.Lock()
	switch fm.state {
	case electionCandidateActive:
		if fm.delayTimer != nil {
			fm.delayTimer.Stop()
		}
		if fm.claimTimer != nil {
			fm.claimTimer.Stop()
		}
		if announcedPriority <= fm.timing.Priority {
			fm.state = electionInactiveMaster
			fm.activeId = announcedNodeId
			onLost := fm.OnActiveMasterLost
			fm.mu.Unlock()
			fm.logger.Info("deferring to peer master", "winner", announcedNodeId, "priority", announcedPriority)
			if onLost != nil {
				onLost(announcedNodeId)
			}
			return
		}
		// Our priority is strictly better: contest by claiming immediately.
		fm.state = electionActiveMaster
		fm.activeId = fm.nodeId
		priority, nodeId := fm.timing.Priority, fm.nodeId
		onWon := fm.OnActiveMasterWon
		fm.mu.Unlock()
		_ = fm.send(idMasterNodeIdAnnounce, []byte{priority, nodeId})
		if onWon != nil {
			onWon()
		}
	case electionActiveMaster:
		if announcedPriority < fm.timing.Priority {
			fm.state = electionInactiveMaster
			fm.activeId = announcedNodeId
			onLost := fm.OnActiveMasterLost
			fm.mu.Unlock()
			fm.logger.Warn("yielding active mastership to higher priority peer", "winner", announcedNodeId)
			if onLost != nil {
				onLost(announcedNodeId)
			}
			return
		}
		fm.mu.Unlock()
	case electionInactiveMaster:
		fm.activeId = announcedNodeId
		fm.mu.Unlock()
	default:
		fm.mu.Unlock()
	}
}

// ForceFlyingMaster broadcasts the force-flying-master service, host triggered.
func (fm *FlyingMaster) ForceFlyingMaster(targetNodeId uint8) error {
	return fm.send(idForceFlyingMaster, []byte{targetNodeId})
}

// IsActiveMaster reports whether this node currently won the election.
func (fm *FlyingMaster) IsActiveMaster() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.state == electionActiveMaster
}

// ActiveMasterId returns the currently known active master node id, or 0
// if unknown.
func (fm *FlyingMaster) ActiveMasterId() uint8 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.activeId
}

func (fm *FlyingMaster) send(id uint32, data []byte) error {
	frame := canopen.NewFrame(id, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	err := fm.bm.Send(frame)
	if err != nil {
		fm.logger.Error("failed to send", "err", err)
	}
	return err
}

// Stop cancels any in-flight timers and the RX subscription.
func (fm *FlyingMaster) Stop() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.delayTimer != nil {
		fm.delayTimer.Stop()
	}
	if fm.claimTimer != nil {
		fm.claimTimer.Stop()
	}
	if fm.rxCancel != nil {
		fm.rxCancel()
	}
}
