package transport

import (
	"encoding/binary"
	"fmt"
)

// Wire format for every frame, request or response or push:
//
//	4 bytes  length (of everything that follows)
//	4 bytes  correlation ID (0 for unsolicited pushes)
//	1 byte   MessageKind
//	payload  kind-specific, see encode*/decode* below
//
// This mirrors the teacher's length-prefixed framing in
// writeConn/readConn/readResponse, generalized from a fixed Kafka header
// to our own small kind-tagged one.
const frameHeaderLen = 4 + 4 + 1

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// encodeFrame serializes one outbound frame: corrID + kind + a
// kind-specific body already rendered into body.
func encodeFrame(corrID int32, kind MessageKind, body []byte) []byte {
	buf := make([]byte, 0, frameHeaderLen+len(body))
	buf = appendUint32(buf, uint32(corrID))
	buf = append(buf, byte(kind))
	buf = append(buf, body...)
	return buf
}

// encodeChain renders a Chain as [count][len+bytes]*.
func encodeChain(c Chain) []byte {
	buf := appendUint32(nil, uint32(len(c)))
	for _, entry := range c {
		buf = appendBytes(buf, entry)
	}
	return buf
}

func decodeChain(b []byte) (Chain, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: short chain header", ErrConnDead)
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	chain := make(Chain, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return nil, nil, fmt.Errorf("%w: short chain entry header", ErrConnDead)
		}
		l := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, nil, fmt.Errorf("%w: short chain entry", ErrConnDead)
		}
		chain = append(chain, b[:l])
		b = b[l:]
	}
	return chain, b, nil
}

// decodeKeyInvalidationId decodes the common push body shape: an 8-byte
// key followed optionally by an 8-byte invalidation ID.
func decodeKeyInvalidationId(b []byte, wantInvalidationId bool) (Key, uint64, error) {
	need := 8
	if wantInvalidationId {
		need = 16
	}
	if len(b) < need {
		return 0, 0, fmt.Errorf("%w: short push body", ErrConnDead)
	}
	key := Key(binary.BigEndian.Uint64(b[:8]))
	var invID uint64
	if wantInvalidationId {
		invID = binary.BigEndian.Uint64(b[8:16])
	}
	return key, invID, nil
}
