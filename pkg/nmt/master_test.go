package nmt

import (
	"sync"
	"testing"
	"time"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func timingEntry(t *testing.T, priority uint8, delayMs, timeoutMs uint16) *od.Entry {
	t.Helper()
	rec := od.NewRecord()
	_, err := rec.AddSubObject(1, "Priority", od.UNSIGNED8, od.AttributeSdoRw, hex8(priority))
	assert.Nil(t, err)
	_, err = rec.AddSubObject(2, "Delay", od.UNSIGNED16, od.AttributeSdoRw, hex16(delayMs))
	assert.Nil(t, err)
	_, err = rec.AddSubObject(3, "Timeout", od.UNSIGNED16, od.AttributeSdoRw, hex16(timeoutMs))
	assert.Nil(t, err)
	dict := od.NewOD()
	return dict.AddVariableList(0x1F90, "NMT flying master timing parameters", rec)
}

func hex8(v uint8) string  { return "0x" + itox(uint64(v)) }
func hex16(v uint16) string { return "0x" + itox(uint64(v)) }
func itox(v uint64) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return string(buf[i:])
}

// captureListener records every frame it receives.
type captureListener struct {
	mu     sync.Mutex
	frames []canopen.Frame
}

func (c *captureListener) Handle(frame canopen.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *captureListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestFlyingMasterLowestPriorityWins(t *testing.T) {
	bm1, bm2 := newBusManagerPair(t, "flying-master-election")

	fm1, err := NewFlyingMaster(bm1, testLogger(), 1, timingEntry(t, 0, 0, 20))
	assert.Nil(t, err)
	defer fm1.Stop()

	fm2, err := NewFlyingMaster(bm2, testLogger(), 2, timingEntry(t, 5, 0, 20))
	assert.Nil(t, err)
	defer fm2.Stop()

	var lostTo uint8
	lost := make(chan struct{})
	fm2.OnActiveMasterLost = func(winnerId uint8) {
		lostTo = winnerId
		close(lost)
	}

	fm1.StartElection()
	fm2.StartElection()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fm2 to defer")
	}

	assert.True(t, fm1.IsActiveMaster())
	assert.False(t, fm2.IsActiveMaster())
	assert.EqualValues(t, 1, lostTo)
	assert.EqualValues(t, 1, fm2.ActiveMasterId())
}

func TestFlyingMasterAnswersDiscoveryRequestWhenActive(t *testing.T) {
	bm1, bm2 := newBusManagerPair(t, "flying-master-discovery")

	fm1, err := NewFlyingMaster(bm1, testLogger(), 1, timingEntry(t, 0, 0, 10))
	assert.Nil(t, err)
	defer fm1.Stop()

	won := make(chan struct{})
	fm1.OnActiveMasterWon = func() { close(won) }
	fm1.StartElection()
	select {
	case <-won:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fm1 to win election")
	}

	capture := &captureListener{}
	cancel, err := bm2.Subscribe(masterServiceBase, 0x7F8, false, capture)
	assert.Nil(t, err)
	defer cancel()

	frame := canopen.NewFrame(idActiveMasterRequest, 0, 0)
	assert.Nil(t, bm2.Send(frame))

	assert.Eventually(t, func() bool { return capture.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestRoleFromStartup(t *testing.T) {
	assert.Equal(t, RoleNone, RoleFromStartup(0))
	assert.Equal(t, RoleFixed, RoleFromStartup(StartupIsMaster))
	assert.Equal(t, RoleFlying, RoleFromStartup(StartupIsMaster|StartupFlyingMaster))
}
