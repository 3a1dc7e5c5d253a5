// Package crc implements the CCITT CRC16 checksum (polynomial 0x1021,
// seed 0, the CRC-16/XMODEM variant) used by SDO block transfer.
package crc

// CRC16 is a running CCITT CRC16 (poly 0x1021, initial value 0).
type CRC16 uint16

// Single folds one byte into the running checksum.
func (c *CRC16) Single(b byte) {
	crc := *c
	crc ^= CRC16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	*c = crc
}

// Block folds every byte of data into the running checksum, in order.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}
