package ampsession

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_LiteralStrings(t *testing.T) {
	assert.Equal(t, "-m.0\r", FormatMuteSet(false))
	assert.Equal(t, "-m.1\r", FormatMuteSet(true))
	assert.Equal(t, "-p.0\r", FormatPowerSet(false))
	assert.Equal(t, "-p.1\r", FormatPowerSet(true))
	assert.Equal(t, "-m.t\r", FormatMuteToggle())
	assert.Equal(t, "-v.u\r", FormatVolumeUp())
	assert.Equal(t, "-v.d\r", FormatVolumeDown())

	s, err := FormatSourceSet(5)
	require.NoError(t, err)
	assert.Equal(t, "-i.5\r", s)

	v, err := FormatVolumeSet(25)
	require.NoError(t, err)
	assert.Equal(t, "-v.25\r", v)
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, v := range []bool{false, true} {
		line := strings.TrimSuffix(FormatMuteSet(v), "\r")
		got, err := ParseInbound(line)
		require.NoError(t, err)
		assert.Equal(t, MuteMsg{Value: v}, got)

		line = strings.TrimSuffix(FormatPowerSet(v), "\r")
		got, err = ParseInbound(line)
		require.NoError(t, err)
		assert.Equal(t, PowerMsg{Value: v}, got)
	}

	for n := 1; n <= 13; n++ {
		s, err := FormatSourceSet(n)
		require.NoError(t, err)
		got, err := ParseInbound(strings.TrimSuffix(s, "\r"))
		require.NoError(t, err)
		assert.Equal(t, SourceMsg{Value: n}, got)
	}

	for _, n := range []int{0, 1, 50, 99, 100} {
		s, err := FormatVolumeSet(n)
		require.NoError(t, err)
		got, err := ParseInbound(strings.TrimSuffix(s, "\r"))
		require.NoError(t, err)
		assert.Equal(t, VolumeMsg{Value: n}, got)
	}
}

func TestParseInbound_RejectsInvalidLines(t *testing.T) {
	invalid := []string{
		"", "v", "10", "v.10", "-v10", "-v.10.90", "-f.10",
		"-p.-1", "-p.2", "-p.i", "-i.0", "-i.14", "-v.-1", "-v.101", "-m.2",
	}
	for _, line := range invalid {
		t.Run(line, func(t *testing.T) {
			_, err := ParseInbound(line)
			assert.Error(t, err)
		})
	}
}

func TestParseInbound_ErrorLine(t *testing.T) {
	got, err := ParseInbound("-e.device overheating")
	require.NoError(t, err)
	assert.Equal(t, ErrorMsg{Text: "device overheating"}, got)
}

func TestFrameReader_SplitsOnCR(t *testing.T) {
	var r FrameReader
	frames := r.Feed([]byte("-v.25\r-m.1\r"))
	require.Len(t, frames, 2)
	assert.Equal(t, "-v.25", frames[0])
	assert.Equal(t, "-m.1", frames[1])
}

func TestFrameReader_WaitsForTerminator(t *testing.T) {
	var r FrameReader
	frames := r.Feed([]byte("-v.25"))
	assert.Empty(t, frames)

	frames = r.Feed([]byte("\r"))
	require.Len(t, frames, 1)
	assert.Equal(t, "-v.25", frames[0])
}

func TestFrameReader_SkipsUnparseableUTF8Prefix(t *testing.T) {
	var r FrameReader
	garbled := append([]byte{0xff, 0xfe}, []byte("-p.1")...)
	frames := r.Feed(append(garbled, '\r'))
	require.Len(t, frames, 1)
	assert.Equal(t, "-p.1", frames[0])
}
