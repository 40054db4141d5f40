package zmodem

import "github.com/sigurn/crc16"

// crcTable is the CRC-16/XMODEM table (poly 0x1021, init 0, no reflection,
// no final XOR).
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// crcAccum is an incremental CRC-16/XMODEM accumulator. The zero value is
// ready to use (the XMODEM init value is 0).
type crcAccum struct {
	sum uint16
}

func (c *crcAccum) reset() {
	c.sum = crc16.Init(crcTable)
}

func (c *crcAccum) update(b byte) {
	c.sum = crc16.Update(c.sum, []byte{b}, crcTable)
}

func (c *crcAccum) value() uint16 {
	return crc16.Complete(c.sum, crcTable)
}

// getCrc16 computes the CRC-16/XMODEM of data in one shot.
func getCrc16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
