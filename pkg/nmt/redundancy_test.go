package nmt

import (
	"errors"
	"testing"
	"time"

	"github.com/nilkolaj/canode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func redundancyEntry(t *testing.T, threshold uint16) *od.Entry {
	t.Helper()
	rec := od.NewRecord()
	_, err := rec.AddSubObject(redundancySubThreshold, "Error threshold", od.UNSIGNED16, od.AttributeSdoRw, hex16(threshold))
	assert.Nil(t, err)
	_, err = rec.AddSubObject(redundancySubActiveBus, "Active interface", od.UNSIGNED8, od.AttributeSdoRw, "0x0")
	assert.Nil(t, err)
	_, err = rec.AddSubObject(redundancySubErrorCounter, "Error counter", od.UNSIGNED32, od.AttributeSdoRw, "0x0")
	assert.Nil(t, err)
	dict := od.NewOD()
	return dict.AddVariableList(0x1F60, "NMT redundancy parameters", rec)
}

func TestRedundancySwitchesOverOnErrorCounterThreshold(t *testing.T) {
	defaultBm, redundantBm := newBusManagerPair(t, "redundancy-error-counter")
	entry := redundancyEntry(t, 8)

	r, err := NewRedundancy(testLogger(), defaultBm, redundantBm, entry)
	assert.Nil(t, err)
	defer r.Stop()

	var switchedTo bool
	done := make(chan struct{})
	r.OnSwitchover = func(activeIsDefault bool) {
		switchedTo = activeIsDefault
		close(done)
	}

	r.RecordSendResult(true, errors.New("tx failed"))
	r.RecordSendResult(true, errors.New("tx failed"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for switchover")
	}

	assert.False(t, switchedTo)
	assert.False(t, r.IsDefaultActive())
	assert.Same(t, redundantBm, r.ActiveBus())

	activeBus, err := entry.Uint8(redundancySubActiveBus)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, activeBus)
}

func TestRedundancyHealthyTrafficNeverSwitches(t *testing.T) {
	defaultBm, redundantBm := newBusManagerPair(t, "redundancy-healthy")
	r, err := NewRedundancy(testLogger(), defaultBm, redundantBm, redundancyEntry(t, 8))
	assert.Nil(t, err)
	defer r.Stop()

	for i := 0; i < 20; i++ {
		r.RecordSendResult(true, nil)
	}
	assert.True(t, r.IsDefaultActive())
	assert.Same(t, defaultBm, r.ActiveBus())
}

func TestRedundancyPowerOnWindowUnhealthySwitchesOver(t *testing.T) {
	defaultBm, redundantBm := newBusManagerPair(t, "redundancy-power-on")
	r, err := NewRedundancy(testLogger(), defaultBm, redundantBm, redundancyEntry(t, 8))
	assert.Nil(t, err)
	defer r.Stop()

	done := make(chan struct{})
	r.OnSwitchover = func(activeIsDefault bool) { close(done) }

	assert.Nil(t, r.StartEvaluationWindow("power-on", 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for power-on switchover")
	}
	assert.False(t, r.IsDefaultActive())
}
