package cache

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	large := bytes.Repeat([]byte("<div>just a moment</div>"), 200)
	small := []byte(`{"status":"ok"}`)

	tests := []struct {
		algorithm string
		payload   []byte
		wantTag   byte
	}{
		{CompressionNone, large, tagRaw},
		{CompressionSnappy, large, tagSnappy},
		{CompressionLZ4, large, tagLZ4},
		{CompressionSnappy, small, tagRaw},
		{"", small, tagRaw},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			codec, err := NewCodec(tt.algorithm)
			require.NoError(t, err)

			encoded, err := codec.Encode(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTag, encoded[0])
			if tt.wantTag != tagRaw {
				assert.Less(t, len(encoded), len(tt.payload))
			}

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, decoded)
		})
	}
}

func TestCodecDecodesAcrossAlgorithms(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)

	snappyCodec, _ := NewCodec(CompressionSnappy)
	encoded, err := snappyCodec.Encode(payload)
	require.NoError(t, err)

	plainCodec, _ := NewCodec(CompressionNone)
	decoded, err := plainCodec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestCodecErrors(t *testing.T) {
	_, err := NewCodec("gzip")
	assert.Error(t, err)

	codec, _ := NewCodec(CompressionNone)

	_, err = codec.Decode(nil)
	assert.True(t, errors.Is(err, ErrCorruptEntry))

	_, err = codec.Decode([]byte{'?', 1, 2})
	assert.True(t, errors.Is(err, ErrCorruptEntry))

	_, err = codec.Decode([]byte{tagSnappy, 0xff, 0xff, 0xff})
	assert.True(t, errors.Is(err, ErrDecompression))
}
