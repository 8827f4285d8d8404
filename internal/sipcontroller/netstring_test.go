package sipcontroller

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetstringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewNetstringEncoder(&buf)
	require.NoError(t, enc.Encode([]byte(`{"command":"dial"}`)))
	require.NoError(t, enc.Encode(nil))
	require.NoError(t, enc.Encode([]byte("hello")))
	assert.Equal(t, `18:{"command":"dial"},0:,5:hello,`, buf.String())

	dec := NewNetstringDecoder(iotest.OneByteReader(&buf))
	for _, want := range []string{`{"command":"dial"}`, "", "hello"} {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetstringSkipsGarbage(t *testing.T) {
	dec := NewNetstringDecoder(strings.NewReader("xx3:abc,4:abcdX2:ok,"))
	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}

func TestNetstringRejectsHugeFrame(t *testing.T) {
	dec := NewNetstringDecoder(strings.NewReader("99999999:"))
	_, err := dec.Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
