package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"

	"svtchain/core/types"
)

// eventDigest computes a canonical content hash for an archived event. The
// encoding is length-delimited with attribute keys sorted, so the digest is
// stable across JSON re-encodings and doubles as the archive's dedupe key.
func eventDigest(height uint64, position int, evt types.Event) string {
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.BigEndian, height)
	_ = binary.Write(buf, binary.BigEndian, uint32(position))
	writeDelimited(buf, []byte(evt.Type))

	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(keys)))
	for _, k := range keys {
		writeDelimited(buf, []byte(k))
		writeDelimited(buf, []byte(evt.Attributes[k]))
	}

	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	if len(data) > 0 {
		buf.Write(data)
	}
}
