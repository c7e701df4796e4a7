// Package ledger implements the append-only event log that is the engine's
// source of truth. Every state-changing component writes its event here
// before the state becomes externally visible, and a restart replays the log
// to reconstruct open executions, bridge transfers, reserve balances and
// cooldown windows.
package ledger

import "encoding/binary"

// The fields below define the low level database schema prefixing.
var (
	// eventPrefix + seq (uint64 big endian) -> JSON encoded event
	eventPrefix = []byte("e")

	// lastSeqKey tracks the highest sequence number ever assigned.
	lastSeqKey = []byte("LastSeq")

	// versionKey tracks the schema version of the store.
	versionKey = []byte("SchemaVersion")
)

// schemaVersion is bumped whenever the event encoding changes shape.
const schemaVersion uint64 = 1

// encodeSeq encodes a sequence number as big endian uint64.
func encodeSeq(seq uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, seq)
	return enc
}

// decodeSeq decodes a big endian uint64 sequence number.
func decodeSeq(enc []byte) uint64 {
	return binary.BigEndian.Uint64(enc)
}

// eventKey = eventPrefix + seq (uint64 big endian)
func eventKey(seq uint64) []byte {
	return append(eventPrefix, encodeSeq(seq)...)
}
