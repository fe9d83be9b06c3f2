package wire

import "encoding/binary"

// allHeadersTxnType is the ALL_HEADERS header-type selecting the
// transaction-descriptor header, the only header kind SQL_BATCH/RPC
// requests carry (spec.md §3 "Transaction descriptor").
const allHeadersTxnType uint16 = 0x0002

// EncodeAllHeaders builds the ALL_HEADERS preamble every SQL_BATCH and RPC
// request carries: a total-length-prefixed list of headers, here always
// exactly one (the transaction descriptor header). txnDescriptor is the
// server-issued 8-byte token (all zero outside an explicit transaction);
// outstandingRequests is 1 for a single in-flight request per connection,
// which is all this connector ever has (spec.md §5: no two threads share a
// connection).
func EncodeAllHeaders(txnDescriptor [8]byte, outstandingRequests uint32) []byte {
	const headerDataLen = 8 + 4       // descriptor + outstanding count
	const headerLen = 4 + 2 + headerDataLen
	const totalLen = 4 + headerLen

	out := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(out[0:4], totalLen)
	binary.LittleEndian.PutUint32(out[4:8], headerLen)
	binary.LittleEndian.PutUint16(out[8:10], allHeadersTxnType)
	copy(out[10:18], txnDescriptor[:])
	binary.LittleEndian.PutUint32(out[18:22], outstandingRequests)
	return out
}
