package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecomposeFixedServices(t *testing.T) {
	fc, nodeId := Decompose(0x000)
	assert.Equal(t, FuncNMTControl, fc)
	assert.EqualValues(t, 0, nodeId)

	fc, _ = Decompose(0x080)
	assert.Equal(t, FuncSync, fc)

	fc, _ = Decompose(0x100)
	assert.Equal(t, FuncTimeStamp, fc)
}

func TestDecomposeNodeAddressedServices(t *testing.T) {
	cases := []struct {
		canId    uint32
		wantFunc FunctionCode
		wantNode uint8
	}{
		{0x081, FuncEmergency, 1},
		{0x185, FuncPDO1Tx, 5},
		{0x20A, FuncPDO1Rx, 0x0A},
		{0x583, FuncSDOTx, 3},
		{0x603, FuncSDORx, 3},
		{0x70C, FuncNMTErrorControl, 0x0C},
	}
	for _, c := range cases {
		fc, nodeId := Decompose(c.canId)
		assert.Equal(t, c.wantFunc, fc, "canId %#x", c.canId)
		assert.EqualValues(t, c.wantNode, nodeId, "canId %#x", c.canId)
	}
}

func TestDecomposeUnknown(t *testing.T) {
	fc, _ := Decompose(0x7FE)
	assert.Equal(t, FuncUnknown, fc)
}

func TestComposeRoundTrip(t *testing.T) {
	cases := []struct {
		fc     FunctionCode
		nodeId uint8
	}{
		{FuncEmergency, 0x22},
		{FuncPDO3Rx, 0x01},
		{FuncSDORx, 0x7F},
		{FuncNMTErrorControl, 0x10},
	}
	for _, c := range cases {
		canId, ok := Compose(c.fc, c.nodeId)
		assert.True(t, ok)
		gotFc, gotNode := Decompose(canId)
		assert.Equal(t, c.fc, gotFc, "fc %v", c.fc)
		assert.EqualValues(t, c.nodeId, gotNode, "fc %v", c.fc)
	}
}

func TestComposeBroadcastServiceIgnoresNodeId(t *testing.T) {
	canId, ok := Compose(FuncNMTControl, 0x42)
	assert.True(t, ok)
	assert.EqualValues(t, 0, canId)
}

func TestComposeUnknownFunctionCode(t *testing.T) {
	_, ok := Compose(FuncUnknown, 1)
	assert.False(t, ok)
}

func TestFunctionCodeString(t *testing.T) {
	assert.Equal(t, "emergency", FuncEmergency.String())
	assert.Contains(t, FunctionCode(99).String(), "FunctionCode")
}
