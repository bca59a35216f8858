// Package wire implements the BEP 3 peer wire protocol codec: length-prefixed
// message framing and the choke/interested/have/bitfield/request/piece/cancel
// message set.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID identifies a wire message kind.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// ErrProtocolViolation marks a message that cannot be produced by a
// conforming peer: an unsupported id, a malformed payload length, or a
// declared length exceeding MaxMessageSize. Callers must disconnect the
// peer; the session layer decides whether to additionally ban it.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ErrShortBuffer signals that buf does not yet contain a complete message;
// the caller should read more bytes and retry.
var ErrShortBuffer = errors.New("wire: need more bytes")

// MaxMessageSize is the ceiling on a declared message length, guarding
// against a peer announcing an absurd allocation. Its initial value suits
// 16 KiB pieces; SetMaxMessageSize resets it once per torrent to
// pieceLength+13 (header plus the largest legal block-carrying message)
// plus 1024 bytes of headroom.
var MaxMessageSize uint32 = 16*1024 + 13 + 1024

// SetMaxMessageSize derives the ceiling from a torrent's piece length.
func SetMaxMessageSize(pieceLength int64) {
	MaxMessageSize = uint32(pieceLength) + 13 + 1024
}

// Message is a decoded wire message. A nil *Message represents a keep-alive
// (the zero-length message).
type Message struct {
	ID      ID
	Payload []byte
}

// RequestPayload decodes the index/begin/length triple carried by REQUEST and
// CANCEL messages.
type RequestPayload struct {
	Index, Begin, Length uint32
}

// PiecePayload decodes the index/begin/block triple carried by PIECE
// messages. Block aliases the message's payload — callers that retain it
// past the read buffer's lifetime must copy.
type PiecePayload struct {
	Index, Begin uint32
	Block        []byte
}

// Encode serializes m (nil for keep-alive) into the wire's length-prefixed
// form: 4-byte big-endian length, then [id, payload] when length > 0.
func Encode(m *Message) []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

// Decode consumes exactly one message from buf and reports how many bytes it
// occupied. It returns ErrShortBuffer when buf holds an incomplete message,
// and ErrProtocolViolation when the declared length exceeds MaxMessageSize or
// the id is not one of the nine supported kinds. A nil *Message with a nil
// error represents a keep-alive.
func Decode(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortBuffer
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil // keep-alive
	}
	if length > MaxMessageSize {
		return nil, 0, fmt.Errorf(
			"%w: declared length %d exceeds ceiling %d",
			ErrProtocolViolation, length, MaxMessageSize,
		)
	}
	if uint32(len(buf)) < 4+length {
		return nil, 0, ErrShortBuffer
	}

	id := ID(buf[4])
	if !id.valid() {
		return nil, 0, fmt.Errorf(
			"%w: unsupported message id %d", ErrProtocolViolation, id,
		)
	}

	payload := append([]byte(nil), buf[5:4+length]...)
	return &Message{ID: id, Payload: payload}, int(4 + length), nil
}

func (id ID) valid() bool {
	return id <= Cancel
}

// ReadMessage blocks until one message (or a keep-alive) has been read from
// r, using the same framing as Decode/Encode.
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf(
			"%w: declared length %d exceeds ceiling %d",
			ErrProtocolViolation, length, MaxMessageSize,
		)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	id := ID(body[0])
	if !id.valid() {
		return nil, fmt.Errorf(
			"%w: unsupported message id %d", ErrProtocolViolation, id,
		)
	}

	return &Message{ID: id, Payload: body[1:]}, nil
}

// WriteMessage writes m (nil for keep-alive) to w using wire framing.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(Encode(m))
	return err
}

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Cancel, Payload: payload}
}

// ParseHave decodes a HAVE payload.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest decodes a REQUEST or CANCEL payload.
func (m *Message) ParseRequest() (RequestPayload, bool) {
	if len(m.Payload) != 12 {
		return RequestPayload{}, false
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, true
}

// ParsePiece decodes a PIECE payload.
func (m *Message) ParsePiece() (PiecePayload, bool) {
	if len(m.Payload) < 8 {
		return PiecePayload{}, false
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Block: m.Payload[8:],
	}, true
}
