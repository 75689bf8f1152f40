package avdtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkhz/bluestream/api/errorkinds"
)

func TestMessageSinglePacket(t *testing.T) {
	t.Parallel()

	msg := Message{Label: 5, Type: MessageAccept, Signal: SignalGetCapabilities, Payload: []byte{0x01, 0x00}}

	packets := msg.Fragment(672)
	require.Len(t, packets, 1)
	require.Equal(t, []byte{0x52, 0x02, 0x01, 0x00}, packets[0])

	var r reassembler
	got, ok, err := r.feed(packets[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg, got)
}

func TestMessageFragmentation(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xa5, 0x5a, 0x01}, 70)
	msg := Message{Label: 0x0f, Type: MessageCommand, Signal: SignalSetConfiguration, Payload: payload}

	packets := msg.Fragment(minSignalMTU)
	require.Greater(t, len(packets), 2)

	require.Equal(t, PacketStart, PacketType(packets[0][0]>>2)&0x03)
	require.Equal(t, byte(len(packets)), packets[0][1])
	require.Equal(t, PacketEnd, PacketType(packets[len(packets)-1][0]>>2)&0x03)

	var r reassembler
	for i, pkt := range packets {
		require.LessOrEqual(t, len(pkt), minSignalMTU)

		got, ok, err := r.feed(pkt)
		require.NoError(t, err)

		if i < len(packets)-1 {
			require.False(t, ok)
			continue
		}

		require.True(t, ok)
		require.Equal(t, msg, got)
	}
}

func TestReassemblerRejectsStrayContinuation(t *testing.T) {
	t.Parallel()

	var r reassembler

	_, _, err := r.feed([]byte{header(1, PacketContinue, MessageCommand), 0x00})
	require.ErrorIs(t, err, errorkinds.ErrInvalidPDU)

	_, _, err = r.feed(nil)
	require.ErrorIs(t, err, errorkinds.ErrInvalidPDU)
}

func TestParseReject(t *testing.T) {
	t.Parallel()

	err := parseReject(Message{Signal: SignalSetConfiguration, Type: MessageReject, Payload: []byte{0x07, 0x29}})

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, &Error{Signal: SignalSetConfiguration, Category: CategoryMediaCodec, Code: ErrorUnsupportedConfiguration}, e)

	err = parseReject(Message{Signal: SignalStart, Type: MessageReject, Payload: []byte{0x04, 0x31}})
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorBadState, e.Code)

	err = parseReject(Message{Signal: SignalOpen, Type: MessageReject})
	require.ErrorIs(t, err, errorkinds.ErrInvalidPDU)
}
