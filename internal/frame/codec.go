// Package frame implements the tunnel wire format: a fixed 32-byte
// handshake token at stream start, then length-prefixed datagram frames
// (2 bytes big-endian length, then that many payload bytes).
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BufferSize is the parse buffer capacity. One maximum-size frame
	// (header plus payload) fits exactly.
	BufferSize = 65536
	// MaxPayload is the largest datagram that fits in a frame.
	MaxPayload = BufferSize - headerSize
	// TokenSize is the length of the handshake token.
	TokenSize = 32

	headerSize = 2
)

// Token is the shared handshake secret sent by the connecting side and
// validated by the accepting side before any frame is processed.
type Token [TokenSize]byte

// DefaultToken is the token both endpoints use unless reconfigured: a
// 16-byte signature, three NULs, and a 13-byte fingerprint sequence.
var DefaultToken = Token([]byte("udptunnel by md.\x00\x00\x00\x01\x03\x06\x10\x15\x21\x28\x36\x45\x55\x66\x78\x91"))

var (
	// ErrHandshake is returned when the first 32 stream bytes do not match
	// the expected token. Not retryable; the tunnel closes.
	ErrHandshake = errors.New("handshake rejected")
	// ErrOversize is returned when a payload exceeds MaxPayload.
	ErrOversize = errors.New("payload exceeds maximum frame size")
)

// Append appends the wire encoding of payload to dst: the 16-bit big-endian
// length followed by the payload bytes. The caller issues the result as a
// single drained write so header and payload are never split.
func Append(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrOversize, len(payload))
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

type state uint8

const (
	stateHandshake state = iota
	stateLength
	statePayload
)

// Decoder incrementally parses the tunnel stream from a bounded buffer.
// The caller reads into Buffer, accounts the read with Advance, and drains
// payloads with Next. A single goroutine owns a Decoder.
type Decoder struct {
	buf   [BufferSize]byte
	wOff  int // where the next read deposits bytes
	pOff  int // first unparsed byte
	need  int // payload length, valid in statePayload
	st    state
	token Token
}

// NewDecoder returns a decoder. With expectHandshake the stream must begin
// with the 32-byte token; otherwise parsing starts at the first frame.
func NewDecoder(expectHandshake bool, token Token) *Decoder {
	d := &Decoder{token: token}
	if expectHandshake {
		d.st = stateHandshake
	} else {
		d.st = stateLength
	}
	return d
}

// Buffer returns the writable region for the next stream read. It is never
// empty after Next has reported that more input is needed.
func (d *Decoder) Buffer() []byte { return d.buf[d.wOff:] }

// Advance records that n bytes were read into Buffer.
func (d *Decoder) Advance(n int) { d.wOff += n }

// Handshaken reports whether the handshake has been consumed (trivially
// true when none was expected).
func (d *Decoder) Handshaken() bool { return d.st != stateHandshake }

// Next returns the next complete payload, or nil when more input is
// needed. The returned slice aliases the parse buffer and is valid only
// until the following Next or Buffer call. A zero-length frame yields an
// empty, non-nil slice.
func (d *Decoder) Next() ([]byte, error) {
	for {
		avail := d.wOff - d.pOff
		switch d.st {
		case stateHandshake:
			if avail < TokenSize {
				d.compact()
				return nil, nil
			}
			if !bytes.Equal(d.buf[d.pOff:d.pOff+TokenSize], d.token[:]) {
				return nil, ErrHandshake
			}
			d.pOff += TokenSize
			d.st = stateLength
		case stateLength:
			if avail < headerSize {
				d.compact()
				return nil, nil
			}
			d.need = int(binary.BigEndian.Uint16(d.buf[d.pOff:]))
			d.pOff += headerSize
			d.st = statePayload
		case statePayload:
			if avail < d.need {
				d.compact()
				return nil, nil
			}
			p := d.buf[d.pOff : d.pOff+d.need]
			d.pOff += d.need
			d.st = stateLength
			return p, nil
		}
	}
}

// compact shifts unparsed bytes to the buffer start so a pending read can
// always proceed. A length header announces at most 65535 payload bytes, so
// the worst incomplete frame leaves at most 65534 buffered bytes and Buffer
// never shrinks to zero.
func (d *Decoder) compact() {
	if d.pOff == 0 {
		return
	}
	copy(d.buf[:], d.buf[d.pOff:d.wOff])
	d.wOff -= d.pOff
	d.pOff = 0
}
