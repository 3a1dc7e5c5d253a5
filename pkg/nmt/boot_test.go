package nmt

import (
	"sync"
	"testing"
	"time"

	"github.com/nilkolaj/canode/pkg/od"
	"github.com/stretchr/testify/assert"
)

type sdoReadKey struct {
	nodeId   uint8
	index    uint16
	subindex uint8
}

// fakeUploader is a scripted stand-in for a real SDO client, answering only
// the reads configured for a given (nodeId, index, subindex).
type fakeUploader struct {
	mu     sync.Mutex
	values map[sdoReadKey]uint32
	fail   map[sdoReadKey]bool
	reads  int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		values: map[sdoReadKey]uint32{},
		fail:   map[sdoReadKey]bool{},
	}
}

func (f *fakeUploader) set(nodeId uint8, index uint16, subindex uint8, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[sdoReadKey{nodeId, index, subindex}] = value
}

func (f *fakeUploader) alwaysFail(nodeId uint8, index uint16, subindex uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[sdoReadKey{nodeId, index, subindex}] = true
}

func (f *fakeUploader) ReadUint32(nodeId uint8, index uint16, subindex uint8) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	key := sdoReadKey{nodeId, index, subindex}
	if f.fail[key] {
		return 0, od.ErrGeneral
	}
	return f.values[key], nil
}

func bootTimeEntry(t *testing.T, ms uint32) *od.Entry {
	t.Helper()
	dict := od.NewOD()
	entry, err := dict.AddVariableType(0x1F89, "Boot time", od.UNSIGNED32, od.AttributeSdoRw, hex32(ms))
	assert.Nil(t, err)
	return entry
}

func hex32(v uint32) string { return "0x" + itox(uint64(v)) }

func TestSlaveBootRouteAMissingAssignment(t *testing.T) {
	uploader := newFakeUploader()
	boot := NewSlaveBoot(testLogger(), uploader, bootTimeEntry(t, 0), BootHooks{})

	err := boot.Boot(5, 0, 0, 0)
	assert.NotNil(t, err)
	bootErr, ok := err.(*SlaveBootError)
	assert.True(t, ok)
	assert.Equal(t, "A", bootErr.Code)
}

func TestSlaveBootRouteBDeviceTypeUnreachable(t *testing.T) {
	uploader := newFakeUploader()
	uploader.alwaysFail(5, od.EntryDeviceType, 0)
	boot := NewSlaveBoot(testLogger(), uploader, bootTimeEntry(t, 0), BootHooks{})

	err := boot.Boot(5, AssignMandatory, 0, 0)
	assert.NotNil(t, err)
	bootErr, ok := err.(*SlaveBootError)
	assert.True(t, ok)
	assert.Equal(t, "B", bootErr.Code)
}

func TestSlaveBootSucceedsWithoutConfigurationCheck(t *testing.T) {
	uploader := newFakeUploader()
	uploader.set(5, od.EntryDeviceType, 0, 0x12345)

	var bootedUp bool
	hooks := BootHooks{
		OnBootup: func(slaveId uint8, inNetwork bool) {
			bootedUp = inNetwork
		},
	}
	boot := NewSlaveBoot(testLogger(), uploader, bootTimeEntry(t, 1000), hooks)

	err := boot.Boot(5, AssignMandatory, 0, 0)
	assert.Nil(t, err)
	assert.True(t, bootedUp)
}

func TestSlaveBootUpdatesMismatchedConfiguration(t *testing.T) {
	uploader := newFakeUploader()
	uploader.set(5, od.EntryDeviceType, 0, 0x12345)
	uploader.set(5, od.EntryVerifyConfiguration, 1, 0x20200101)
	uploader.set(5, od.EntryVerifyConfiguration, 2, 0x00010203)

	var updated bool
	hooks := BootHooks{
		UpdateConfiguration: func(slaveId uint8) error {
			updated = true
			return nil
		},
	}
	boot := NewSlaveBoot(testLogger(), uploader, bootTimeEntry(t, 1000), hooks)

	err := boot.Boot(5, AssignMandatory, 0x20260101, 0x00010203)
	assert.Nil(t, err)
	assert.True(t, updated)
}

func TestAwaitHeartbeatTimesOut(t *testing.T) {
	ch := make(chan uint8)
	_, err := AwaitHeartbeat(3, 10*time.Millisecond, ch)
	assert.NotNil(t, err)
	bootErr, ok := err.(*SlaveBootError)
	assert.True(t, ok)
	assert.Equal(t, "K", bootErr.Code)
}

func TestAwaitHeartbeatReceivesState(t *testing.T) {
	ch := make(chan uint8, 1)
	ch <- StateOperational
	state, err := AwaitHeartbeat(3, time.Second, ch)
	assert.Nil(t, err)
	assert.Equal(t, StateOperational, state)
}

func TestStartRemoteSlavesRespectsNoStartBit(t *testing.T) {
	bm1, bm2 := newBusManagerPair(t, "start-remote-slaves")
	capture := &captureListener{}
	cancel, err := bm2.Subscribe(uint32(ServiceId), 0x7FF, false, capture)
	assert.Nil(t, err)
	defer cancel()

	assert.Nil(t, StartRemoteSlaves(bm1, StartupNoStartSlaves, []uint8{2, 3}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, capture.count())

	assert.Nil(t, StartRemoteSlaves(bm1, 0, []uint8{2, 3}))
	assert.Eventually(t, func() bool { return capture.count() == 2 }, time.Second, 5*time.Millisecond)
}
