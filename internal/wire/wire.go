package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
)

const (
	version    byte = 1
	kindSingle byte = 1
)

var (
	ErrCorrupt = errors.New("rolesync: corrupt entry")
	magic4     = [...]byte{'R', 'S', 'Y', 'N'}
)

// Format selects how an Envelope is framed.
type Format uint8

const (
	Binary Format = iota
	JSON
)

// Envelope is a persisted cache entry. WrittenAt and TTL are milliseconds
// (unix epoch and duration respectively).
type Envelope struct {
	Gen       uint64
	WrittenAt int64
	TTL       int64
	Payload   []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func Encode(f Format, e Envelope) ([]byte, error) {
	if f == JSON {
		return EncodeJSON(e)
	}
	return EncodeBinary(e), nil
}

// Decode sniffs the framing: binary entries start with the magic, anything
// else is parsed as a JSON envelope.
func Decode(b []byte) (Envelope, error) {
	if hasMagic(b) {
		return DecodeBinary(b)
	}
	return DecodeJSON(b)
}

// Binary: magic(4) | ver(1) | kind(1=single) | gen(u64 be) | writtenAt(i64 be) | ttl(i64 be) | vlen(u32 be) | payload(vlen)
func EncodeBinary(e Envelope) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 8 + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.WrittenAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.TTL))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

func DecodeBinary(b []byte) (Envelope, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindSingle {
		return Envelope{}, ErrCorrupt
	}

	off := 6
	var e Envelope
	e.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.WrittenAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.TTL = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict framing, no trailing bytes
		return Envelope{}, ErrCorrupt
	}
	if e.TTL < 0 {
		return Envelope{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]
	return e, nil
}

// jsonEnvelope is the {data, timestamp} shape. Payloads that are valid JSON
// are embedded verbatim; binary codec payloads are base64 strings with enc="b64".
type jsonEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttlMs,omitempty"`
	Gen       uint64          `json:"gen,omitempty"`
	Enc       string          `json:"enc,omitempty"`
}

const encBase64 = "b64"

func EncodeJSON(e Envelope) ([]byte, error) {
	je := jsonEnvelope{Timestamp: e.WrittenAt, TTL: e.TTL, Gen: e.Gen}
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		je.Data = json.RawMessage(e.Payload)
	} else {
		s, err := json.Marshal(base64.StdEncoding.EncodeToString(e.Payload))
		if err != nil {
			return nil, err
		}
		je.Data = s
		je.Enc = encBase64
	}
	return json.Marshal(je)
}

func DecodeJSON(b []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return Envelope{}, ErrCorrupt
	}
	if len(je.Data) == 0 || je.TTL < 0 {
		return Envelope{}, ErrCorrupt
	}
	e := Envelope{Gen: je.Gen, WrittenAt: je.Timestamp, TTL: je.TTL}
	switch je.Enc {
	case "":
		e.Payload = []byte(je.Data)
	case encBase64:
		var s string
		if err := json.Unmarshal(je.Data, &s); err != nil {
			return Envelope{}, ErrCorrupt
		}
		p, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Envelope{}, ErrCorrupt
		}
		e.Payload = p
	default:
		return Envelope{}, ErrCorrupt
	}
	return e, nil
}
