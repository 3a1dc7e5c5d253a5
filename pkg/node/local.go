package node

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/emergency"
	"github.com/nilkolaj/canode/pkg/heartbeat"
	"github.com/nilkolaj/canode/pkg/nmt"
	"github.com/nilkolaj/canode/pkg/od"
	"github.com/nilkolaj/canode/pkg/pdo"
	"github.com/nilkolaj/canode/pkg/sdo"
	s "github.com/nilkolaj/canode/pkg/sync"
	t "github.com/nilkolaj/canode/pkg/time"
)

// A [LocalNode] is a CiA 301 compliant CANopen node
// It supports all the standard CANopen objects.
// These objects will be loaded depending on the given EDS file.
// For configuration of the different CANopen objects see [NodeConfigurator].
type LocalNode struct {
	*BaseNode
	NodeIdUnconfigured bool
	NMT                *nmt.NMT
	// FlyingMaster is non-nil when OD 0x1F80 grants this node NMT master
	// capability with the flying-master bit set; it negotiates active
	// mastership with any competing flying-master-capable peers.
	FlyingMaster       *nmt.FlyingMaster
	HBConsumer         *heartbeat.HBConsumer
	SDOclients         []*sdo.SDOClient
	SDOServers         []*sdo.SDOServer
	TPDOs              []*pdo.TPDO
	RPDOs              []*pdo.RPDO
	SYNC               *s.SYNC
	EMCY               *emergency.EMCY
	TIME               *t.TIME
}

// ProcessPDO is a no-op : [pdo.TPDO] and [pdo.RPDO] are self-driven by their
// own SYNC subscription and event/inhibit timers, wired via [LocalNode.propagateNMTState].
// Kept to satisfy the [Node] interface used by [NodeProcessor].
func (node *LocalNode) ProcessPDO(syncWas bool, timeDifferenceUs uint32) {
}

// ProcessSYNC is a no-op : [s.SYNC] schedules its own production/timeout via
// internal timers. Kept to satisfy the [Node] interface used by [NodeProcessor].
func (node *LocalNode) ProcessSYNC(timeDifferenceUs uint32) bool {
	return false
}

// Process canopen objects that are not self-driven : bus error state and SDO
// servers' NMT state mirror. Returns any pending reset requested over NMT.
func (node *LocalNode) ProcessMain(enableGateway bool, timeDifferenceUs uint32, timerNextUs *uint32) uint8 {

	NMTState := node.NMT.GetInternalState()
	NMTisPreOrOperational := (NMTState == nmt.StatePreOperational) || (NMTState == nmt.StateOperational)
	// Propagate NMT state to server
	for _, server := range node.SDOServers {
		server.SetNMTState(NMTState)
	}

	node.BusManager.Process()
	node.EMCY.Process(NMTisPreOrOperational, timeDifferenceUs, timerNextUs)

	return node.NMT.GetPendingReset()
}

func (node *LocalNode) Reset() error {
	node.NMT.Reset()
	return nil
}

// propagateNMTState pushes an NMT state transition to every self-driven
// service that gates its behavior on operational state. Registered as a
// [nmt.NMT] state change callback, and also invoked once right after NMT
// setup since [nmt.NMT.Start] (run internally by [nmt.NewNMT]) transitions
// out of the initializing state without going through the callback path.
func (node *LocalNode) propagateNMTState(state uint8) {
	operational := state == nmt.StateOperational
	node.HBConsumer.OnStateChange(state)
	if node.TIME != nil {
		node.TIME.SetOperational(operational)
	}
	if node.SYNC != nil {
		node.SYNC.SetOperational(operational)
	}
	for _, tpdo := range node.TPDOs {
		tpdo.SetOperational(operational)
	}
	for _, rpdo := range node.RPDOs {
		rpdo.OnStateChange(state)
	}
}

func (node *LocalNode) Servers() []*sdo.SDOServer {
	return node.SDOServers
}

// Initialize all [pdo.RPDO] and [pdo.TPDO] objects
func (node *LocalNode) initPDO() error {
	if node.id < 1 || node.id > 127 {
		return canopen.ErrIllegalArgument
	}
	// Iterate over all the possible entries : there can be a maximum of 512 maps
	// Break loops when an entry doesn't exist (don't allow holes in mapping)
	for i := range uint16(512) {
		entry14xx := node.GetOD().Index(od.EntryRPDOCommunicationStart + i)
		entry16xx := node.GetOD().Index(od.EntryRPDOMappingStart + i)
		preDefinedIdent := uint16(0)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent = 0x200 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		rpdo, err := pdo.NewRPDO(
			node.BusManager,
			node.logger,
			node.GetOD(),
			node.EMCY,
			node.SYNC,
			entry14xx,
			entry16xx,
			preDefinedIdent,
		)
		if err != nil {
			node.logger.Warn("no more RPDO after", "nb", i-1)
			break
		} else {
			node.RPDOs = append(node.RPDOs, rpdo)
		}
	}
	// Do the same for TPDOS
	for i := range uint16(512) {
		entry18xx := node.GetOD().Index(od.EntryTPDOCommunicationStart + i)
		entry1Axx := node.GetOD().Index(od.EntryTPDOMappingStart + i)
		preDefinedIdent := uint16(0)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent = 0x180 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		tpdo, err := pdo.NewTPDO(
			node.BusManager,
			node.logger,
			node.GetOD(),
			node.EMCY,
			node.SYNC,
			entry18xx,
			entry1Axx,
			preDefinedIdent,
		)
		if err != nil {
			node.logger.Warn("no more TPDO after", "nb", i-1)
			break
		} else {
			node.TPDOs = append(node.TPDOs, tpdo)
		}

	}

	return nil
}

// Initialize [emergency.EMCY] object
func (node *LocalNode) initEMCY() error {

	emcy, err := emergency.NewEMCY(
		node.BusManager,
		node.logger,
		node.id,
		node.od.Index(od.EntryErrorRegister),
		node.od.Index(od.EntryCobIdEMCY),
		node.od.Index(od.EntryInhibitTimeEMCY),
		node.od.Index(od.EntryManufacturerStatusRegister),
		nil,
	)
	if err != nil {
		node.logger.Error("init failed [EMCY] producer", "error", err)
		return canopen.ErrOdParameters
	}
	node.EMCY = emcy
	return nil
}

// Initialize [nmt.NMT] object, requires an EMCY object
func (node *LocalNode) initNMT(nmtControl uint16, firstHbTimeMs uint16) error {

	nodeIdActive := node.id
	nm, err := nmt.NewNMT(
		node.BusManager,
		node.logger,
		node.EMCY,
		nodeIdActive,
		nmtControl,
		firstHbTimeMs,
		nmt.ServiceId,
		nmt.ServiceId,
		heartbeat.ServiceId+uint16(nodeIdActive),
		node.od.Index(od.EntryProducerHeartbeatTime),
	)
	if err != nil {
		node.logger.Error("init failed [NMT]", "error", err)
		return err
	}
	node.NMT = nm
	return nil
}

// Initialize [nmt.FlyingMaster], only when OD 0x1F80 grants this node NMT
// master capability with the flying-master bit set.
// Absence of 0x1F80 or 0x1F90, or a non-flying role, is not an error : most
// nodes are plain slaves.
func (node *LocalNode) initFlyingMaster() error {
	entry1F80 := node.od.Index(od.EntryNMTStartup)
	entry1F90 := node.od.Index(od.EntryNMTFlyingMasterTiming)
	if entry1F80 == nil || entry1F90 == nil {
		return nil
	}
	startup, err := entry1F80.Uint16(0)
	if err != nil || nmt.RoleFromStartup(startup) != nmt.RoleFlying {
		return nil
	}
	fm, err := nmt.NewFlyingMaster(node.BusManager, node.logger, node.id, entry1F90)
	if err != nil {
		node.logger.Error("init failed [FlyingMaster]", "error", err)
		return err
	}
	fm.OnActiveMasterWon = func() {
		if err := node.BootNetwork(nmt.BootHooks{}); err != nil {
			node.logger.Error("boot sequence failed after winning election", "error", err)
		}
	}
	fm.OnActiveMasterLost = func(winnerId uint8) {
		if node.HBConsumer == nil {
			return
		}
		timeout, err := entry1F90.Uint16(3)
		if err != nil || timeout == 0 {
			timeout = 1000
		}
		if err := node.HBConsumer.MonitorNode(winnerId, time.Duration(timeout)*time.Millisecond); err != nil {
			node.logger.Error("failed to arm heartbeat consumer for election winner",
				"winner", winnerId,
				"error", err,
			)
		}
	}
	node.FlyingMaster = fm
	fm.StartElection()
	return nil
}

// BootNetwork runs the CiA 302-2 boot pipeline (see [nmt.SlaveBoot]) over
// every slave listed in OD 0x1F81 with a non-zero assignment, using this
// node's first configured SDO client, then sends a start command to each
// slave that booted, unless OD 0x1F80 forbids it. Meant to run once this node has
// won flying-master election, or unconditionally for a fixed master.
func (node *LocalNode) BootNetwork(hooks nmt.BootHooks) error {
	entry1F81 := node.od.Index(od.EntryNMTSlaveAssignment)
	if entry1F81 == nil || len(node.SDOclients) == 0 {
		return nil
	}
	if hooks.AwaitBootHeartbeat == nil && node.HBConsumer != nil {
		hooks.AwaitBootHeartbeat = node.awaitBootHeartbeat
	}
	if hooks.VerifyStoreParameters == nil {
		hooks.VerifyStoreParameters = node.verifyStoreParameters
	}
	boot := nmt.NewSlaveBoot(node.logger, node.SDOclients[0], node.od.Index(od.EntryNMTBootTime), hooks)

	booted := make([]uint8, 0)
	for slaveId := uint8(1); int(slaveId) < entry1F81.SubCount(); slaveId++ {
		assignment, err := entry1F81.Uint32(slaveId)
		if err != nil || assignment == 0 {
			continue
		}
		if err := boot.Boot(slaveId, assignment, 0, 0); err != nil {
			node.logger.Warn("slave boot failed", "slave", slaveId, "error", err)
			continue
		}
		booted = append(booted, slaveId)
	}

	var startup uint16
	if entry1F80 := node.od.Index(od.EntryNMTStartup); entry1F80 != nil {
		startup, _ = entry1F80.Uint16(0)
	}
	return nmt.StartRemoteSlaves(node.BusManager, startup, booted)
}

// bootHeartbeatWaitPeriod bounds how long the boot pipeline waits for a
// slave's first heartbeat once its identity and configuration check out.
const bootHeartbeatWaitPeriod = 2 * time.Second

// awaitBootHeartbeat satisfies [nmt.BootHooks.AwaitBootHeartbeat] by arming
// the heartbeat consumer for slaveId and relaying its next reported NMT
// state onto a one-shot channel. Claims [heartbeat.HBConsumer]'s single
// event callback for the duration of the wait; nothing else in this node
// subscribes to it today.
func (node *LocalNode) awaitBootHeartbeat(slaveId uint8) (<-chan uint8, time.Duration) {
	ch := make(chan uint8, 1)
	if err := node.HBConsumer.MonitorNode(slaveId, bootHeartbeatWaitPeriod); err != nil {
		node.logger.Warn("failed to arm heartbeat monitor for boot wait", "slave", slaveId, "error", err)
	}
	node.HBConsumer.OnEvent(func(event uint8, index uint8, nodeId uint8, nmtState uint8) {
		if nodeId != slaveId {
			return
		}
		switch event {
		case heartbeat.EventStarted, heartbeat.EventBoot, heartbeat.EventChanged:
			select {
			case ch <- nmtState:
			default:
			}
		}
	})
	return ch, bootHeartbeatWaitPeriod
}

// storeParametersSaveSignature is the ASCII "save" confirmation value OD
// 0x1010 sub 1 must echo back once a store-on-command node has actually
// persisted its parameters (CiA 301 §7.5.2.8).
const storeParametersSaveSignature = 0x65766173

// verifyStoreParameters satisfies [nmt.BootHooks.VerifyStoreParameters] by
// reading back OD 0x1010 sub 1 on the slave and checking it still reports
// the save confirmation signature.
func (node *LocalNode) verifyStoreParameters(slaveId uint8) error {
	value, err := node.SDOclients[0].ReadUint32(slaveId, od.EntryStoreParameters, 1)
	if err != nil {
		return err
	}
	if value != storeParametersSaveSignature {
		return fmt.Errorf("slave %d does not report a retained store-parameters signature", slaveId)
	}
	return nil
}

// Initialize [heartbeat.HBConsumer] object
func (node *LocalNode) initHBConsumer() error {

	hbCons, err := heartbeat.NewHBConsumer(
		node.BusManager,
		node.logger,
		node.EMCY,
		node.od.Index(od.EntryConsumerHeartbeatTime),
	)
	if err != nil {
		node.logger.Error("init failed [HBConsumer]", "error", err)
		return err
	}
	if entry1F82 := node.od.Index(od.EntryNMTRequest); entry1F82 != nil {
		hbCons.SetRequestNMTEntry(entry1F82)
	}
	node.HBConsumer = hbCons
	return nil
}

// Initialize [sdo.SDOServer] object(s)
// Currently, only one server is supported (optionally)
func (node *LocalNode) initSDOServers(serverTimeoutMs uint32) error {
	entry1200 := node.od.Index(od.EntrySDOServerParameter)
	if entry1200 == nil {
		node.logger.Warn("no [SDOServer] initialized")
		return nil
	}
	sdoServers := make([]*sdo.SDOServer, 0)
	server, err := sdo.NewSDOServer(
		node.BusManager,
		node.logger,
		node.od,
		node.id,
		serverTimeoutMs,
		entry1200,
	)
	if err != nil {
		node.logger.Error("init failed [SDOServer]", "error", err)
		return err
	}
	sdoServers = append(sdoServers, server)
	node.SDOServers = sdoServers
	return nil
}

// Initialize [sdo.SDOClient] object(s)
func (node *LocalNode) initSDOClients(clientTimeoutMs uint32) error {

	entry1280 := node.od.Index(od.EntrySDOClientParameter)
	if entry1280 == nil {
		node.logger.Warn("no [SDOClient] initialized")
		return nil
	}
	sdoClients := make([]*sdo.SDOClient, 0)
	client, err := sdo.NewSDOClient(
		node.BusManager,
		node.logger,
		node.od, node.id,
		clientTimeoutMs,
		entry1280,
	)
	if err != nil {
		node.logger.Error("init failed [SDOClient]", "error", err)
		return err
	}
	sdoClients = append(sdoClients, client)
	node.SDOclients = sdoClients
	return nil
}

// Initialize [s.SYNC] object
func (node *LocalNode) initSYNC() error {

	sync, err := s.NewSYNC(
		node.BusManager,
		node.logger,
		node.EMCY,
		node.od.Index(od.EntryCobIdSYNC),
		node.od.Index(od.EntryCommunicationCyclePeriod),
		node.od.Index(od.EntrySynchronousWindowLength),
		node.od.Index(od.EntrySynchronousCounterOverflow),
	)
	if err != nil {
		node.logger.Error("init failed [SYNC]", "error", err)
		return err
	}
	node.SYNC = sync
	return nil
}

// Initialize [t.TIME] object
func (node *LocalNode) initTIME() error {

	time, err := t.NewTIME(
		node.BusManager,
		node.logger,
		node.od.Index(od.EntryCobIdTIME),
		1000,
	) // hardcoded for now
	if err != nil {
		node.logger.Error("init failed [TIME]", "error", err)
		return err
	}
	node.TIME = time
	return nil
}

// Initialize all CANopen components, this is will be called
// On node 'reset communication' NMT state machine
func (node *LocalNode) initAll(
	nmtControl uint16,
	firstHbTimeMs uint16,
	sdoServerTimeoutMs uint32,
	sdoClientTimeoutMs uint32,
) error {

	err := node.initEMCY()
	if err != nil {
		return err
	}

	err = node.initNMT(nmtControl, firstHbTimeMs)
	if err != nil {
		return err
	}

	err = node.initHBConsumer()
	if err != nil {
		return err
	}

	err = node.initSDOServers(sdoServerTimeoutMs)
	if err != nil {
		return err
	}

	err = node.initSDOClients(sdoClientTimeoutMs)
	if err != nil {
		return err
	}

	err = node.initTIME()
	if err != nil {
		return err
	}

	err = node.initSYNC()
	if err != nil {
		return err
	}

	err = node.initFlyingMaster()
	if err != nil {
		return err
	}

	return nil
}

// Create a new local node
func NewLocalNode(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nm *nmt.NMT,
	emcy *emergency.EMCY,
	nodeId uint8,
	nmtControl uint16,
	firstHbTimeMs uint16,
	sdoServerTimeoutMs uint32,
	sdoClientTimeoutMs uint32,
	blockTransferEnabled bool,
	statusBits *od.Entry,

) (*LocalNode, error) {

	if bm == nil || odict == nil {
		return nil, errors.New("need at least busManager and od parameters")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("id", nodeId)
	base, err := newBaseNode(bm, logger, odict, nodeId)
	if err != nil {
		return nil, err
	}
	node := &LocalNode{BaseNode: base}
	node.NodeIdUnconfigured = false
	node.od = odict
	node.id = nodeId

	// Initialize all CANopen parts
	err = node.initAll(nmtControl, firstHbTimeMs, sdoServerTimeoutMs, sdoClientTimeoutMs)
	if err != nil {
		return nil, err
	}

	// Add EDS storage if supported, library supports either plain ascii
	// Or zipped format
	edsStore := odict.Index(od.EntryStoreEDS)
	edsFormat := odict.Index(od.EntryStorageFormat)
	if edsStore != nil {
		var format uint8
		if edsFormat == nil {
			format = 0
		} else {
			format, err = edsFormat.Uint8(0)
			if err != nil {
				node.logger.Warn("error reading EDS format, default to ASCII", "error", err)
				format = 0
			}
		}
		switch format {
		case od.FormatEDSAscii:
			node.logger.Info("EDS is downloadable via object 0x1021 in ASCII format")
			odict.AddReader(edsStore.Index, edsStore.Name, odict.Reader)
		case od.FormatEDSZipped:
			node.logger.Info("EDS is downloadable via object 0x1021 in Zipped format")
			compressed, err := createInMemoryZip("compressed.eds", odict.Reader)
			if err != nil {
				node.logger.Error("failed to compress EDS", "error", err)
				return nil, err
			}
			odict.AddReader(edsStore.Index, edsStore.Name, bytes.NewReader(compressed))
		default:
			return nil, fmt.Errorf("invalid EDS storage format %v", format)
		}
	}
	err = node.initPDO()
	if err != nil {
		return nil, err
	}

	// NMT.Start (run internally by NewNMT, inside initNMT above) already moved
	// the state machine out of "initializing" without going through the
	// callback path, so every self-driven service needs an explicit initial
	// sync in addition to the callback registration.
	node.NMT.AddStateChangeCallback(node.propagateNMTState)
	node.propagateNMTState(node.NMT.GetInternalState())

	return node, nil
}

// Create an in memory zip representation of an io.Reader.
// This can be used to increase transfer speeds in block transfers
// for example.
func createInMemoryZip(filename string, r io.ReadSeeker) ([]byte, error) {

	buffer := new(bytes.Buffer)
	zipWriter := zip.NewWriter(buffer)
	// Create a file inside the zip
	writer, err := zipWriter.Create(filename)
	if err != nil {
		return nil, err
	}

	// Write the content to the file
	_, err = r.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(writer, r)
	if err != nil {
		return nil, err
	}

	// Close the zip writer to finalize the zip file
	err = zipWriter.Close()
	if err != nil {
		return nil, err
	}

	// Return the zip file as bytes
	return buffer.Bytes(), nil
}
