package protocol

// CRC routines shared by the binary codecs.  Each vendor picked a
// different 16-bit polynomial, and the acks must be bit-exact or real
// hardware stalls.

// CRCITU computes the CRC-ITU (X.25) checksum used by GT06/Concox
// framing: reflected polynomial 0x8408, initial value 0xFFFF, final
// complement.
func CRCITU(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// CRC16IBM computes the CRC-16/IBM (ARC) checksum used by the Teltonika
// Codec 12 command wrapper: reflected polynomial 0xA001, initial
// value 0.
func CRC16IBM(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
