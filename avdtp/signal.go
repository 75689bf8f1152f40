package avdtp

import (
	"bytes"
	"fmt"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// minSignalMTU is the smallest MTU that leaves room for a start packet header.
const minSignalMTU = 48

// Message is one reassembled signaling message.
type Message struct {
	Label   uint8
	Type    MessageType
	Signal  SignalID
	Payload []byte
}

func header(label uint8, packet PacketType, msg MessageType) byte {
	return label<<4 | byte(packet)<<2 | byte(msg)
}

// Fragment splits the message into packets that each fit in mtu bytes.
func (m Message) Fragment(mtu int) [][]byte {
	if mtu < minSignalMTU {
		mtu = minSignalMTU
	}

	label := m.Label & 0x0f
	signal := byte(m.Signal) & 0x3f

	if len(m.Payload)+2 <= mtu {
		pkt := make([]byte, 0, len(m.Payload)+2)
		pkt = append(pkt, header(label, PacketSingle, m.Type), signal)

		return [][]byte{append(pkt, m.Payload...)}
	}

	first := mtu - 3
	rest := mtu - 1
	count := 1 + (len(m.Payload)-first+rest-1)/rest

	packets := make([][]byte, 0, count)

	start := make([]byte, 0, mtu)
	start = append(start, header(label, PacketStart, m.Type), byte(count), signal)
	packets = append(packets, append(start, m.Payload[:first]...))

	payload := m.Payload[first:]
	for len(payload) > 0 {
		n := min(rest, len(payload))

		packet := PacketContinue
		if n == len(payload) {
			packet = PacketEnd
		}

		pkt := make([]byte, 0, n+1)
		pkt = append(pkt, header(label, packet, m.Type))
		packets = append(packets, append(pkt, payload[:n]...))

		payload = payload[n:]
	}

	return packets
}

// reassembler rebuilds fragmented messages received on one channel.
type reassembler struct {
	active    bool
	msg       Message
	remaining int
	buf       bytes.Buffer
}

// feed consumes one packet. It returns the message once it is complete.
func (r *reassembler) feed(pkt []byte) (Message, bool, error) {
	if len(pkt) < 1 {
		return Message{}, false, fmt.Errorf("empty signaling packet: %w", errorkinds.ErrInvalidPDU)
	}

	label := pkt[0] >> 4
	packet := PacketType(pkt[0]>>2) & 0x03
	msgType := MessageType(pkt[0] & 0x03)

	switch packet {
	case PacketSingle:
		if len(pkt) < 2 {
			return Message{}, false, fmt.Errorf("short signaling packet: %w", errorkinds.ErrInvalidPDU)
		}

		r.reset()

		return Message{
			Label:   label,
			Type:    msgType,
			Signal:  SignalID(pkt[1] & 0x3f),
			Payload: bytes.Clone(pkt[2:]),
		}, true, nil

	case PacketStart:
		if len(pkt) < 3 || pkt[1] < 2 {
			return Message{}, false, fmt.Errorf("bad start packet: %w", errorkinds.ErrInvalidPDU)
		}

		r.reset()
		r.active = true
		r.remaining = int(pkt[1]) - 1
		r.msg = Message{Label: label, Type: msgType, Signal: SignalID(pkt[2] & 0x3f)}
		r.buf.Write(pkt[3:])

		return Message{}, false, nil
	}

	if !r.active || label != r.msg.Label {
		r.reset()

		return Message{}, false, fmt.Errorf("unexpected continuation packet: %w", errorkinds.ErrInvalidPDU)
	}

	r.buf.Write(pkt[1:])
	r.remaining--

	if packet == PacketContinue {
		if r.remaining <= 0 {
			r.reset()

			return Message{}, false, fmt.Errorf("too many continuation packets: %w", errorkinds.ErrInvalidPDU)
		}

		return Message{}, false, nil
	}

	if r.remaining != 0 {
		r.reset()

		return Message{}, false, fmt.Errorf("end packet before all fragments: %w", errorkinds.ErrInvalidPDU)
	}

	msg := r.msg
	msg.Payload = bytes.Clone(r.buf.Bytes())
	r.reset()

	return msg, true, nil
}

func (r *reassembler) reset() {
	r.active = false
	r.remaining = 0
	r.msg = Message{}
	r.buf.Reset()
}

// seidByte encodes a SEID as it is carried in signaling payloads.
func seidByte(seid uint8) byte {
	return seid << 2
}

// parseSEID decodes a SEID from a signaling payload byte.
func parseSEID(b byte) uint8 {
	return b >> 2
}
