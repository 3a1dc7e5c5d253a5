// Package message classifies CAN identifiers against the CiA 301
// predefined connection set, splitting a COB-ID into the service it
// belongs to and the node it addresses. It has no dependency on the
// canopen or od packages so that it can sit underneath the bus manager
// without an import cycle; callers pass the raw uint32 frame ID.
package message

import "fmt"

// FunctionCode identifies which CANopen service a COB-ID belongs to,
// per the CiA 301 predefined connection set (object 0x1005/0x1012/0x1014/
// 0x1800-0x1BFF/0x1400-0x17FF/0x1200-0x12FF and the NMT error control
// range).
type FunctionCode uint8

const (
	FuncUnknown FunctionCode = iota
	FuncNMTControl
	FuncSync
	FuncEmergency
	FuncTimeStamp
	FuncPDO1Tx
	FuncPDO1Rx
	FuncPDO2Tx
	FuncPDO2Rx
	FuncPDO3Tx
	FuncPDO3Rx
	FuncPDO4Tx
	FuncPDO4Rx
	FuncSDOTx
	FuncSDORx
	FuncNMTErrorControl
)

var funcNames = map[FunctionCode]string{
	FuncUnknown:         "unknown",
	FuncNMTControl:      "nmt-control",
	FuncSync:            "sync",
	FuncEmergency:       "emergency",
	FuncTimeStamp:       "time-stamp",
	FuncPDO1Tx:          "pdo1-tx",
	FuncPDO1Rx:          "pdo1-rx",
	FuncPDO2Tx:          "pdo2-tx",
	FuncPDO2Rx:          "pdo2-rx",
	FuncPDO3Tx:          "pdo3-tx",
	FuncPDO3Rx:          "pdo3-rx",
	FuncPDO4Tx:          "pdo4-tx",
	FuncPDO4Rx:          "pdo4-rx",
	FuncSDOTx:           "sdo-tx",
	FuncSDORx:           "sdo-rx",
	FuncNMTErrorControl: "nmt-error-control",
}

func (fc FunctionCode) String() string {
	if name, ok := funcNames[fc]; ok {
		return name
	}
	return fmt.Sprintf("FunctionCode(%d)", uint8(fc))
}

// HasNodeId reports whether the service carries a node-ID in its low 7
// bits. NMT control, SYNC and TIME are broadcast services and do not.
func (fc FunctionCode) HasNodeId() bool {
	switch fc {
	case FuncNMTControl, FuncSync, FuncTimeStamp, FuncUnknown:
		return false
	default:
		return true
	}
}

// base holds the fixed high bits of each function code's default COB-ID,
// as used throughout this module's PDO/SDO/heartbeat initialization.
var base = map[FunctionCode]uint32{
	FuncNMTControl:      0x000,
	FuncSync:            0x080,
	FuncEmergency:       0x080,
	FuncTimeStamp:       0x100,
	FuncPDO1Tx:          0x180,
	FuncPDO1Rx:          0x200,
	FuncPDO2Tx:          0x280,
	FuncPDO2Rx:          0x300,
	FuncPDO3Tx:          0x380,
	FuncPDO3Rx:          0x400,
	FuncPDO4Tx:          0x480,
	FuncPDO4Rx:          0x500,
	FuncSDOTx:           0x580,
	FuncSDORx:           0x600,
	FuncNMTErrorControl: 0x700,
}

// Decompose splits a raw CAN identifier into the function code it falls
// under and, when that service carries one, the node-ID addressed.
//
// SYNC and EMCY share the 0x080 base; a 0 node-ID residue is reported as
// SYNC since EMCY is never produced by node 0, and the ambiguity only
// matters for logging, never for dispatch (each package subscribes its
// own COB-ID from the object dictionary, not through this classifier).
func Decompose(canId uint32) (fc FunctionCode, nodeId uint8) {
	canId &= 0x7FF
	switch {
	case canId == 0x000:
		return FuncNMTControl, 0
	case canId == 0x080:
		return FuncSync, 0
	case canId > 0x080 && canId <= 0xFF:
		return FuncEmergency, uint8(canId - 0x080)
	case canId == 0x100:
		return FuncTimeStamp, 0
	case canId >= 0x181 && canId <= 0x1FF:
		return FuncPDO1Tx, uint8(canId - 0x180)
	case canId >= 0x201 && canId <= 0x27F:
		return FuncPDO1Rx, uint8(canId - 0x200)
	case canId >= 0x281 && canId <= 0x2FF:
		return FuncPDO2Tx, uint8(canId - 0x280)
	case canId >= 0x301 && canId <= 0x37F:
		return FuncPDO2Rx, uint8(canId - 0x300)
	case canId >= 0x381 && canId <= 0x3FF:
		return FuncPDO3Tx, uint8(canId - 0x380)
	case canId >= 0x401 && canId <= 0x47F:
		return FuncPDO3Rx, uint8(canId - 0x400)
	case canId >= 0x481 && canId <= 0x4FF:
		return FuncPDO4Tx, uint8(canId - 0x480)
	case canId >= 0x501 && canId <= 0x57F:
		return FuncPDO4Rx, uint8(canId - 0x500)
	case canId >= 0x581 && canId <= 0x5FF:
		return FuncSDOTx, uint8(canId - 0x580)
	case canId >= 0x601 && canId <= 0x67F:
		return FuncSDORx, uint8(canId - 0x600)
	case canId >= 0x701 && canId <= 0x77F:
		return FuncNMTErrorControl, uint8(canId - 0x700)
	default:
		return FuncUnknown, 0
	}
}

// Compose builds the default COB-ID for a service and node-ID, as given
// by the CiA 301 predefined connection set. Returns false for function
// codes outside the predefined set's fixed offsets (custom PDO COB-IDs
// are configured through the object dictionary, not this helper).
func Compose(fc FunctionCode, nodeId uint8) (canId uint32, ok bool) {
	b, known := base[fc]
	if !known {
		return 0, false
	}
	if !fc.HasNodeId() {
		return b, true
	}
	return b + uint32(nodeId), true
}
