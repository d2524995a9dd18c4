// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// MessageType identifies a protocol message. These values are wire
// constants.
type MessageType uint8

const (
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
	TypeNotFound MessageType = 3
	TypeError    MessageType = 4
	TypeFilter   MessageType = 5
	TypeGossip   MessageType = 6
	TypeAck      MessageType = 7
)

// String returns the protocol name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "CHUNK_REQUEST"
	case TypeResponse:
		return "CHUNK_RESPONSE"
	case TypeNotFound:
		return "CHUNK_NOT_FOUND"
	case TypeError:
		return "CHUNK_ERROR"
	case TypeFilter:
		return "FILTER"
	case TypeGossip:
		return "GOSSIP"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Error codes carried by CHUNK_ERROR. Receivers do not interpret
// them beyond logging.
const (
	CodeInternal    uint32 = 1
	CodeUnsupported uint32 = 2
	CodeMalformed   uint32 = 3
)

const messageHeaderSize = 1 + hashing.Size

// MaxPayloadSize is the largest Data that still fits in one frame.
const MaxPayloadSize = MaxFrameSize - messageHeaderSize - 4

// ErrMalformed is returned (wrapped) by Decode for any message that
// is truncated, has trailing bytes, or has an unknown type.
var ErrMalformed = errors.New("malformed exchange message")

// Message is one protocol message. Which fields are meaningful depends
// on Type: Data for RESPONSE, FILTER and GOSSIP; Code and Text for
// ERROR.
type Message struct {
	Type MessageType
	Hash hashing.Hash
	Data []byte
	Code uint32
	Text string
}

// Request returns a CHUNK_REQUEST for hash.
func Request(hash hashing.Hash) Message {
	return Message{Type: TypeRequest, Hash: hash}
}

// Response returns a CHUNK_RESPONSE carrying data.
func Response(hash hashing.Hash, data []byte) Message {
	return Message{Type: TypeResponse, Hash: hash, Data: data}
}

// NotFound returns a CHUNK_NOT_FOUND for hash.
func NotFound(hash hashing.Hash) Message {
	return Message{Type: TypeNotFound, Hash: hash}
}

// ErrorMessage returns a CHUNK_ERROR for hash.
func ErrorMessage(hash hashing.Hash, code uint32, text string) Message {
	return Message{Type: TypeError, Hash: hash, Code: code, Text: text}
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	buffer := make([]byte, 0, messageHeaderSize+8+len(m.Data)+len(m.Text))
	buffer = append(buffer, byte(m.Type))
	buffer = append(buffer, m.Hash[:]...)

	switch m.Type {
	case TypeRequest, TypeNotFound, TypeAck:
	case TypeResponse, TypeFilter, TypeGossip:
		if len(m.Data) > MaxPayloadSize {
			return nil, fmt.Errorf("encoding %s: payload of %d bytes exceeds %d", m.Type, len(m.Data), MaxPayloadSize)
		}
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(m.Data)))
		buffer = append(buffer, m.Data...)
	case TypeError:
		if !utf8.ValidString(m.Text) {
			return nil, fmt.Errorf("encoding %s: message text is not valid UTF-8", m.Type)
		}
		buffer = binary.BigEndian.AppendUint32(buffer, m.Code)
		buffer = append(buffer, m.Text...)
	default:
		return nil, fmt.Errorf("encoding message: unknown type %d", m.Type)
	}
	return buffer, nil
}

// Decode parses one message. The returned Data aliases data.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < messageHeaderSize {
		return m, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrMalformed, len(data), messageHeaderSize)
	}
	m.Type = MessageType(data[0])
	copy(m.Hash[:], data[1:messageHeaderSize])
	body := data[messageHeaderSize:]

	switch m.Type {
	case TypeRequest, TypeNotFound, TypeAck:
		if len(body) != 0 {
			return Message{}, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformed, m.Type, len(body))
		}
	case TypeResponse, TypeFilter, TypeGossip:
		if len(body) < 4 {
			return Message{}, fmt.Errorf("%w: %s missing length", ErrMalformed, m.Type)
		}
		length := binary.BigEndian.Uint32(body)
		payload := body[4:]
		if uint64(length) != uint64(len(payload)) {
			return Message{}, fmt.Errorf("%w: %s declares %d bytes, has %d", ErrMalformed, m.Type, length, len(payload))
		}
		m.Data = payload
	case TypeError:
		if len(body) < 4 {
			return Message{}, fmt.Errorf("%w: %s missing code", ErrMalformed, m.Type)
		}
		m.Code = binary.BigEndian.Uint32(body)
		if !utf8.Valid(body[4:]) {
			return Message{}, fmt.Errorf("%w: %s text is not valid UTF-8", ErrMalformed, m.Type)
		}
		m.Text = string(body[4:])
	default:
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, data[0])
	}
	return m, nil
}
