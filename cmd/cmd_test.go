package cmd

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/avdtp"
)

var device = bluetooth.MustParseMAC("AC:12:2F:6E:00:01")

func TestTableAlignsColumns(t *testing.T) {
	color.NoColor = true

	tb := newTable("name", "address")
	tb.add("hci0", "00:1A:7D:DA:71:13")
	tb.add("ヘッドホン", "AC:12:2F:6E:00:01")

	var buf bytes.Buffer
	tb.write(&buf)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		"Name        Address",
		"hci0        00:1A:7D:DA:71:13",
		"ヘッドホン  AC:12:2F:6E:00:01",
	}, lines)
}

func TestStateName(t *testing.T) {
	require.Equal(t, "Streaming", stateName("STREAMING"))
	require.Equal(t, "Open", stateName("open"))
}

func TestFindSBCSink(t *testing.T) {
	sbc := avdtp.Capabilities{avdtp.MediaCodec(avdtp.MediaAudio, codecSBC, sbcCapabilities)}
	aac := avdtp.Capabilities{avdtp.MediaCodec(avdtp.MediaAudio, 0x02, []byte{0x80, 0x01, 0x04, 0x03, 0x5b, 0x60})}

	seps := []avdtp.RemoteSEP{
		{SEID: 1, Type: avdtp.SEPSource, MediaType: avdtp.MediaAudio, Capabilities: sbc},
		{SEID: 2, Type: avdtp.SEPSink, MediaType: avdtp.MediaAudio, Capabilities: aac},
		{SEID: 3, Type: avdtp.SEPSink, MediaType: avdtp.MediaAudio, InUse: true, Capabilities: sbc},
		{SEID: 4, Type: avdtp.SEPSink, MediaType: avdtp.MediaAudio, Capabilities: sbc},
	}

	sep, ok := findSBCSink(seps)
	require.True(t, ok)
	require.Equal(t, uint8(4), sep.SEID)

	_, ok = findSBCSink(seps[:3])
	require.False(t, ok)
}

func TestTerminalAgent(t *testing.T) {
	in := strings.NewReader("yes\n123456\n\n")
	var out bytes.Buffer

	agent := newTerminalAgent(in, &out)

	timeout := bluetooth.NewAuthTimeout(time.Second)
	defer timeout.Cancel()

	require.NoError(t, agent.ConfirmPasskey(timeout, device, 42))
	require.Contains(t, out.String(), "000042")

	passkey, err := agent.RequestPasskey(timeout, device)
	require.NoError(t, err)
	require.Equal(t, uint32(123456), passkey)

	_, err = agent.RequestPinCode(timeout, device, false)
	require.ErrorIs(t, err, errorkinds.ErrMethodCanceled)

	_, err = agent.RequestPinCode(timeout, device, false)
	require.ErrorIs(t, err, io.EOF)
}

func TestTerminalAgentTimesOut(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	agent := newTerminalAgent(r, io.Discard)

	timeout := bluetooth.NewAuthTimeout(50 * time.Millisecond)
	defer timeout.Cancel()

	err := agent.ConfirmPasskey(timeout, device, 1)
	require.ErrorIs(t, err, errorkinds.ErrMethodTimeout)
}
