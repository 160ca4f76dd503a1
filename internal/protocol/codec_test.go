package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidates(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		into    any
		wantErr string
	}{
		{"join ok", `{"roomId":"r1"}`, &JoinRoomRequest{}, ""},
		{"join missing room", `{}`, &JoinRoomRequest{}, "invalid RoomID"},
		{"join empty payload", ``, &JoinRoomRequest{}, "invalid RoomID"},
		{"bad json", `{"roomId":`, &JoinRoomRequest{}, "bad_payload"},
		{"direction receive alias", `{"roomId":"r1","direction":"receive"}`, &CreateTransportRequest{}, ""},
		{"direction unknown", `{"roomId":"r1","direction":"sideways"}`, &CreateTransportRequest{}, "invalid Direction"},
		{"produce without codecs", `{"roomId":"r1","transportId":"t1","kind":"audio","rtpParameters":{"codecs":[]}}`, &ProduceRequest{}, "invalid Codecs"},
		{"produce bad kind", `{"roomId":"r1","transportId":"t1","kind":"text","rtpParameters":{"codecs":[{"mimeType":"audio/opus","clockRate":48000}]}}`, &ProduceRequest{}, "invalid Kind"},
		{"connect without fingerprints", `{"roomId":"r1","transportId":"t1","dtlsParameters":{"role":"auto"}}`, &ConnectTransportRequest{}, "invalid Fingerprints"},
		{"connect bad role", `{"roomId":"r1","transportId":"t1","dtlsParameters":{"role":"peer","fingerprints":[{"algorithm":"sha-256","value":"AA"}]}}`, &ConnectTransportRequest{}, "invalid Role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(json.RawMessage(tt.data), tt.into)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))
			assert.Equal(t, tt.wantErr, domain.MessageOf(err))
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"join-room","id":"7","data":{"roomId":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinRoom, env.Type)
	assert.Equal(t, "7", env.ID)
	assert.True(t, IsRequest(env.Type))

	_, err = ParseEnvelope([]byte(`{"id":"7"}`))
	assert.Equal(t, "missing type", domain.MessageOf(err))

	_, err = ParseEnvelope([]byte(`not json`))
	assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))
}

func TestErrorResponseRoundTrip(t *testing.T) {
	b, err := NewErrorResponse("42", domain.ErrCannotConsume)
	require.NoError(t, err)

	env, err := ParseEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, env.Type)
	assert.Equal(t, "42", env.ID)
	assert.Equal(t, "Cannot consume", env.Error)

	got := env.Err()
	require.Error(t, got)
	assert.True(t, errors.Is(got, domain.ErrCannotConsume))
	assert.False(t, domain.Retryable(got))
}

func TestErrorResponseUnknownError(t *testing.T) {
	b, err := NewErrorResponse("1", errors.New("boom"))
	require.NoError(t, err)
	env, err := ParseEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeInfrastructure, env.Code)
	assert.True(t, domain.Retryable(env.Err()))
}

func TestSuccessResponseHasNoError(t *testing.T) {
	b, err := NewResponse("1", ProduceResponse{ID: "p1"})
	require.NoError(t, err)
	env, err := ParseEnvelope(b)
	require.NoError(t, err)
	assert.NoError(t, env.Err())

	var resp ProduceResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, domain.ProducerID("p1"), resp.ID)
}

func TestNewEvent(t *testing.T) {
	b, err := NewEvent(ProducersClosedEvent{ParticipantID: "a", ProducerIDs: []domain.ProducerID{"p1", "p2"}})
	require.NoError(t, err)

	env, err := ParseEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, TypeProducersClosed, env.Type)
	assert.Empty(t, env.ID)
	assert.False(t, IsRequest(env.Type))
	assert.JSONEq(t, `{"participantId":"a","producerIds":["p1","p2"]}`, string(env.Data))
}
