package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeFileOffer, FileOfferPayload{
		FileID: "f1", Name: "notes.pdf", Size: 1 << 20, ChunkSize: 16384, TotalChunks: 64,
	})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)
	got, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFileOffer, got.Type)

	var offer FileOfferPayload
	require.NoError(t, got.DecodePayload(&offer))
	assert.Equal(t, "notes.pdf", offer.Name)
	assert.Equal(t, uint64(64), offer.TotalChunks)
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeWhiteboardClear, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)

	data, err := msg.Encode()
	require.NoError(t, err)
	got, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeWhiteboardClear, got.Type)
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte{0xc1})
	assert.Error(t, err)
}

func TestKnownChannels(t *testing.T) {
	for _, name := range Channels {
		assert.True(t, IsKnownChannel(name))
	}
	assert.False(t, IsKnownChannel("bogus"))
	assert.True(t, *ChannelInit().Ordered)
}
