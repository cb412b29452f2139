package comms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecIsRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)
	assert.Equal(t, CodecName, codec.Name())
}

func TestCodecUsesJSONFieldNames(t *testing.T) {
	data, err := Codec{}.Marshal(&QueueStatus{ClientID: "c1", State: "waiting", Position: 2})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"clientId":"c1"`)
	assert.Contains(t, string(data), `"position":2`)

	out := &QueueStatus{}
	require.NoError(t, Codec{}.Unmarshal([]byte(`{"state":"processing","isFront":true}`), out))
	assert.True(t, out.IsFront)
	assert.Equal(t, "processing", out.State)
}
