// Package message defines the wire protocol between the interception
// engine and user-space providers: CBOR payloads behind a 1-byte type +
// 4-byte big-endian length frame.
package message

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/projgate/internal/errx"
)

// RequestKind selects what the provider is asked to materialize.
type RequestKind uint8

const (
	KindEnumerateDirectory RequestKind = iota + 1
	KindHydrateFile
)

func (k RequestKind) String() string {
	switch k {
	case KindEnumerateDirectory:
		return "enumerate_directory"
	case KindHydrateFile:
		return "hydrate_file"
	default:
		return "unknown"
	}
}

type ResponseStatus uint8

const (
	StatusSuccess ResponseStatus = iota + 1
	StatusFail
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Request is sent to a provider for one blocked filesystem event. The ID
// is the sole correlation key for the eventual Response.
type Request struct {
	ID           uint64      `cbor:"id"`
	Kind         RequestKind `cbor:"kind"`
	RootIndex    int16       `cbor:"root"`
	Pid          int         `cbor:"pid"`
	ProcName     string      `cbor:"proc,omitempty"`
	RelativePath string      `cbor:"path,omitempty"`
}

// Response is the provider's answer for one outstanding request.
type Response struct {
	ID     uint64         `cbor:"id"`
	Status ResponseStatus `cbor:"status"`
}

// Handshake is the first frame a provider sends after connecting,
// claiming the root it serves.
type Handshake struct {
	RootPath string `cbor:"root_path"`
	Pid      int    `cbor:"pid"`
}

// HandshakeReply acknowledges (or rejects) a provider handshake.
type HandshakeReply struct {
	RootIndex int16  `cbor:"root"`
	Error     string `cbor:"err,omitempty"`
}

// Frame types.
const (
	TypeHandshake      uint8 = 1
	TypeHandshakeReply uint8 = 2
	TypeRequest        uint8 = 3
	TypeResponse       uint8 = 4
)

// MaxPayload bounds a single frame; requests and responses are tiny, so
// anything larger is a corrupt stream.
const MaxPayload = 1 << 20

// Write marshals v and writes one framed message to w.
func Write(w io.Writer, msgType uint8, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return errx.Wrap(ErrEncode, err)
	}
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return errx.Wrap(ErrWriteFrame, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errx.Wrap(ErrWriteFrame, err)
		}
	}
	return nil
}

// Read reads one framed message from r and returns its type and raw payload.
func Read(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, errx.Wrap(ErrReadFrame, err)
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayload {
		return 0, nil, errx.With(ErrFrameTooLarge, ": %d bytes", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, errx.Wrap(ErrReadFrame, err)
		}
	}
	return header[0], payload, nil
}

// Decode unmarshals a frame payload into v.
func Decode(payload []byte, v any) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return errx.Wrap(ErrDecode, err)
	}
	return nil
}
