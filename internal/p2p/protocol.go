package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/mmalmi/hashtree/internal/hashing"
)

// ProtocolID identifies the exchange's libp2p stream protocol.
const ProtocolID protocol.ID = "/hashtree/exchange/1"

// MaxHTL bounds the P2P query radius.
const MaxHTL = 4

// FragmentThreshold is the size above which a RESPONSE payload is split
// into numbered fragments.
const FragmentThreshold = 32 * 1024

const (
	msgRequest  byte = 0x00
	msgResponse byte = 0x01
)

// Request is the REQUEST(hash, htl) message.
type Request struct {
	Hash hashing.Hash
	HTL  uint8
}

// Response is the RESPONSE(hash, bytes, fragment_index?, fragment_total?)
// message. FragmentTotal == 0 means the response is not fragmented.
type Response struct {
	Hash          hashing.Hash
	Data          []byte
	FragmentIndex uint32
	FragmentTotal uint32
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// EncodeRequest serialises a REQUEST message: leading type byte, hash,
// then a single htl byte.
func EncodeRequest(r Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgRequest)
	buf.Write(r.Hash[:])
	buf.WriteByte(r.HTL)
	return buf.Bytes()
}

// EncodeResponse serialises a RESPONSE message: leading type byte, hash,
// uvarint fragment index, uvarint fragment total, uvarint body length,
// body bytes.
func EncodeResponse(r Response) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgResponse)
	buf.Write(r.Hash[:])
	putUvarint(&buf, uint64(r.FragmentIndex))
	putUvarint(&buf, uint64(r.FragmentTotal))
	putUvarint(&buf, uint64(len(r.Data)))
	buf.Write(r.Data)
	return buf.Bytes()
}

// Decode parses a single leading-type-byte wire message.
func Decode(data []byte) (isRequest bool, req Request, resp Response, err error) {
	if len(data) < 1+hashing.Size {
		return false, Request{}, Response{}, fmt.Errorf("p2p: short message")
	}
	typ := data[0]
	r := bytes.NewReader(data[1:])
	var h hashing.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return false, Request{}, Response{}, fmt.Errorf("p2p: read hash: %w", err)
	}

	switch typ {
	case msgRequest:
		htl, err := r.ReadByte()
		if err != nil {
			return false, Request{}, Response{}, fmt.Errorf("p2p: read htl: %w", err)
		}
		return true, Request{Hash: h, HTL: htl}, Response{}, nil
	case msgResponse:
		idx, err := binary.ReadUvarint(r)
		if err != nil {
			return false, Request{}, Response{}, fmt.Errorf("p2p: read fragment index: %w", err)
		}
		total, err := binary.ReadUvarint(r)
		if err != nil {
			return false, Request{}, Response{}, fmt.Errorf("p2p: read fragment total: %w", err)
		}
		bodyLen, err := binary.ReadUvarint(r)
		if err != nil || bodyLen > uint64(r.Len()) {
			return false, Request{}, Response{}, fmt.Errorf("p2p: bad body length")
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return false, Request{}, Response{}, fmt.Errorf("p2p: read body: %w", err)
		}
		return false, Request{}, Response{Hash: h, Data: body, FragmentIndex: uint32(idx), FragmentTotal: uint32(total)}, nil
	default:
		return false, Request{}, Response{}, fmt.Errorf("p2p: unknown message type %#x", typ)
	}
}

// SplitFragments splits data into FragmentThreshold-sized numbered
// fragments when it exceeds the threshold; a single-element slice with
// FragmentTotal == 0 is returned otherwise.
func SplitFragments(hash hashing.Hash, data []byte) []Response {
	if len(data) <= FragmentThreshold {
		return []Response{{Hash: hash, Data: data}}
	}
	var total uint32
	for off := 0; off < len(data); off += FragmentThreshold {
		total++
	}
	out := make([]Response, 0, total)
	var idx uint32
	for off := 0; off < len(data); off += FragmentThreshold {
		end := off + FragmentThreshold
		if end > len(data) {
			end = len(data)
		}
		out = append(out, Response{
			Hash:          hash,
			Data:          data[off:end],
			FragmentIndex: idx,
			FragmentTotal: total,
		})
		idx++
	}
	return out
}
