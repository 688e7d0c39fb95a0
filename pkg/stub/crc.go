package stub

// The qCRC checksum is the non reflected CRC-32 used by gdb: polynomial
// 0x04c11db7 processed most significant bit first, starting from
// 0xffffffff, with no final xor.

const crcPoly = 0x04c11db7

var crcTable = makeCRCTable()

func makeCRCTable() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

func updateCRC(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

const crcChunk = 256

// memoryCRC computes the checksum of length bytes of target memory at addr.
func (a *Agent) memoryCRC(addr, length uint64) (uint32, error) {
	crc := uint32(0xffffffff)
	var buf [crcChunk]byte
	for length > 0 {
		n := uint64(len(buf))
		if length < n {
			n = length
		}
		if _, err := a.readMemory(addr, buf[:n]); err != nil {
			return 0, err
		}
		crc = updateCRC(crc, buf[:n])
		addr += n
		length -= n
	}
	return crc, nil
}
