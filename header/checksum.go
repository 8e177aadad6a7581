package header

// CRC-32 parameters (CRC-32/ISO-HDLC, reflected).
const (
	CRC32Polynomial   = 0xEDB88320
	CRC32InitialValue = 0xFFFFFFFF
	CRC32FinalXOR     = 0xFFFFFFFF

	bitsPerByte = 8
)

// Checksum computes the CRC-32 of data one bit at a time, LSB first. The
// result matches the headers written by existing devices and tools.
func Checksum(data []byte) uint32 {
	crc := uint32(CRC32InitialValue)

	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < bitsPerByte; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ CRC32Polynomial
			} else {
				crc >>= 1
			}
		}
	}

	return crc ^ CRC32FinalXOR
}
