package od

import "encoding/binary"

// SubStructureDescriptor is the synthesized, read-only sub-index every
// ARRAY/RECORD entry exposes, holding (dataType<<8)|objectType.
const SubStructureDescriptor uint8 = 0xFF

// newStructureDescriptor builds the read-only UNSIGNED32 sub-object for
// sub-index 0xFF. Structured entries (ARRAY/RECORD) have no data type of
// their own, so the high byte is left at 0.
func newStructureDescriptor(objectType uint8) *Variable {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, uint32(objectType))
	return &Variable{
		Name:         "Structure descriptor",
		SubIndex:     SubStructureDescriptor,
		DataType:     UNSIGNED32,
		Attribute:    AttributeSdoR,
		value:        value,
		valueDefault: value,
	}
}
