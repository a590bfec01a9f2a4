// Package packet implements the encrypted RTP-style framing that voice data
// travels in over the UDP transport.
package packet

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// HeaderSize is the size of the packet header in bytes.
const HeaderSize = 12

const (
	versionFlags = 0x80 // version 2, no padding, no extension
	payloadType  = 0x70
)

// ErrDecryptionFailed is returned from Open if the sealed box does not
// authenticate against the session secret.
var ErrDecryptionFailed = errors.New("decryption failed")

// ErrShortPacket is returned from Open if the wire bytes are too short to
// hold a header and a sealed box.
var ErrShortPacket = errors.New("packet too short")

// Codec seals and opens the packets of a single voice connection. It owns the
// sequence, timestamp and nonce counters, so it is not thread-safe; callers
// serialize access to it.
type Codec struct {
	mode   Mode
	secret [32]byte
	ssrc   uint32

	sequence  uint16
	timestamp uint32
	timeIncr  uint32

	// liteNonce is the incrementing counter of ModeLite. It wraps back to 0
	// on overflow.
	liteNonce uint32

	header    [HeaderSize]byte
	nonce     [24]byte
	recvNonce [24]byte
}

// NewCodec creates a codec for the given SSRC. The codec cannot seal packets
// until UseSecret installs the negotiated mode and session secret.
func NewCodec(ssrc uint32) *Codec {
	c := Codec{
		ssrc: ssrc,
		// 50 packets per second, 960 samples each at 48kHz.
		timeIncr: 960,
	}

	c.header[0] = versionFlags
	c.header[1] = payloadType
	binary.BigEndian.PutUint32(c.header[8:12], ssrc)

	return &c
}

// UseSecret installs the negotiated mode and the session secret. This method
// is not thread-safe, so it should only be used right after negotiation.
func (c *Codec) UseSecret(mode Mode, secret [32]byte) {
	c.mode = mode
	c.secret = secret
	c.nonce = [24]byte{}
}

// SetTimeIncr sets the timestamp increment applied after each sealed packet.
// It should match the frame duration of the payloads being sent; see
// https://tools.ietf.org/html/rfc7587#section-4.2 for the usual pairings.
func (c *Codec) SetTimeIncr(incr uint32) {
	c.timeIncr = incr
}

// Mode returns the negotiated mode, or ModeNone before negotiation.
func (c *Codec) Mode() Mode { return c.mode }

// SSRC returns the synchronization source this codec stamps on its packets.
func (c *Codec) SSRC() uint32 { return c.ssrc }

// Sequence returns the sequence number the next sealed packet will carry.
func (c *Codec) Sequence() uint16 { return c.sequence }

// Timestamp returns the timestamp the next sealed packet will carry.
func (c *Codec) Timestamp() uint32 { return c.timestamp }

// Seal appends a full voice packet for the given payload to dst: the header
// built from the current counters, the sealed box, and the mode's trailer.
// The sequence and timestamp counters advance afterwards, wrapping on
// overflow.
func (c *Codec) Seal(dst, payload []byte) ([]byte, error) {
	if c.mode == ModeNone {
		return nil, &UnsupportedModeError{}
	}

	binary.BigEndian.PutUint16(c.header[2:4], c.sequence)
	binary.BigEndian.PutUint32(c.header[4:8], c.timestamp)

	sealed, err := c.seal(dst, c.header[:], payload)
	if err != nil {
		return nil, err
	}

	c.sequence++
	c.timestamp += c.timeIncr

	return sealed, nil
}

// SealWithHeader is Seal for payloads that already start with their own
// 12-byte header, as in a forwarded stream. The codec only encrypts; its
// sequence and timestamp counters stay untouched. The lite nonce counter
// still advances, since every sealed box consumes a nonce.
func (c *Codec) SealWithHeader(dst, packet []byte) ([]byte, error) {
	if c.mode == ModeNone {
		return nil, &UnsupportedModeError{}
	}
	if len(packet) < HeaderSize {
		return nil, ErrShortPacket
	}

	return c.seal(dst, packet[:HeaderSize], packet[HeaderSize:])
}

func (c *Codec) seal(dst, header, payload []byte) ([]byte, error) {
	dst = append(dst, header...)

	switch c.mode {
	case ModeNormal:
		// The nonce is the header; the upper 12 bytes stay zero.
		copy(c.nonce[:HeaderSize], header)
		return secretbox.Seal(dst, payload, &c.nonce, &c.secret), nil

	case ModeSuffix:
		if _, err := io.ReadFull(rand.Reader, c.nonce[:]); err != nil {
			return nil, errors.Wrap(err, "failed to generate a nonce")
		}
		dst = secretbox.Seal(dst, payload, &c.nonce, &c.secret)
		return append(dst, c.nonce[:]...), nil

	case ModeLite:
		binary.BigEndian.PutUint32(c.nonce[:4], c.liteNonce)
		c.liteNonce++
		dst = secretbox.Seal(dst, payload, &c.nonce, &c.secret)
		return append(dst, c.nonce[:4]...), nil
	}

	return nil, &UnsupportedModeError{}
}

// Open decrypts a received wire packet, reconstructing the nonce the way the
// negotiated mode prescribes. The returned packet's header aliases wire and
// its payload aliases dst, so both are only valid until their buffers are
// reused.
func (c *Codec) Open(dst, wire []byte) (*Packet, error) {
	if c.mode == ModeNone {
		return nil, &UnsupportedModeError{}
	}
	if len(wire) < HeaderSize+secretbox.Overhead+c.mode.TrailerSize() {
		return nil, ErrShortPacket
	}

	header := wire[:HeaderSize]
	box := wire[HeaderSize:]

	c.recvNonce = [24]byte{}

	switch c.mode {
	case ModeNormal:
		copy(c.recvNonce[:HeaderSize], header)

	case ModeSuffix:
		n := len(box) - 24
		copy(c.recvNonce[:], box[n:])
		box = box[:n]

	case ModeLite:
		n := len(box) - 4
		copy(c.recvNonce[:4], box[n:])
		box = box[:n]
	}

	payload, ok := secretbox.Open(dst[:0], box, &c.recvNonce, &c.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	p := Packet{
		header:  header,
		Payload: payload,
	}

	// Trim the RTP header extension, if any, off the payload. RFC3550
	// section 5.3.1 lays the extension out as a 4-byte preamble plus extLen
	// words of 4 bytes. A set marker bit means an RTCP packet instead, which
	// carries no extension despite the bit pattern.
	if p.hasExtension() && !p.hasMarker() && len(payload) >= 4 {
		extLen := binary.BigEndian.Uint16(payload[2:4])
		shift := 4 + 4*int(extLen)

		if len(payload) > shift {
			p.Payload = payload[shift:]
		}
	}

	return &p, nil
}

// Wipe zeroes the secret key material and forgets the negotiated mode. The
// codec refuses to seal or open afterwards.
func (c *Codec) Wipe() {
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.nonce = [24]byte{}
	c.recvNonce = [24]byte{}
	c.mode = ModeNone
}

// Packet is a single parsed voice packet.
type Packet struct {
	header  []byte
	Payload []byte
}

// VersionFlags returns the version flags of the current packet.
func (p *Packet) VersionFlags() byte { return p.header[0] }

// Type returns the packet type.
func (p *Packet) Type() byte { return p.header[1] }

// Sequence returns the packet sequence.
func (p *Packet) Sequence() uint16 { return binary.BigEndian.Uint16(p.header[2:4]) }

// Timestamp returns the packet's timestamp.
func (p *Packet) Timestamp() uint32 { return binary.BigEndian.Uint32(p.header[4:8]) }

// SSRC returns the packet's SSRC number.
func (p *Packet) SSRC() uint32 { return binary.BigEndian.Uint32(p.header[8:12]) }

// Copy copies the current packet into the given packet.
func (p *Packet) Copy(dst *Packet) {
	dst.header = append(dst.header[:0], p.header...)
	dst.Payload = append(dst.Payload[:0], p.Payload...)
}

// hasExtension reports whether the extension bit of the version flags is set.
func (p *Packet) hasExtension() bool { return p.header[0]&0x10 == 0x10 }

// hasMarker reports whether the marker bit is set, which marks an RTCP
// packet.
func (p *Packet) hasMarker() bool { return p.header[1]&0x80 != 0 }
