package protocol

// InitialContact is the private data of a peer that has not been granted a
// lease yet.
const InitialContact uint32 = 0

// EncodePrivateData packs a lease id and its secret into connection private
// data.
func EncodePrivateData(lease, secret uint16) uint32 {
	return uint32(lease)<<16 | uint32(secret)
}

// DecodePrivateData unpacks connection private data.
func DecodePrivateData(v uint32) (lease, secret uint16) {
	return uint16(v >> 16), uint16(v)
}
