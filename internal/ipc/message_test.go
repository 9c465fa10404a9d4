package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := AttendanceNotify{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		EventID:   "evt-1",
		PersonID:  "person-1",
		SessionID: "session-1",
	}
	env, err := NewEnvelope(KindAttendanceNotify, payload)
	require.NoError(t, err)
	assert.False(t, env.SentAt.IsZero())

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceNotify, decoded.Kind)

	var got AttendanceNotify
	require.NoError(t, decoded.DecodePayload(&got))
	assert.Equal(t, payload, got)
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `length-prefixed garbage`},
		{name: "unknown kind", body: `{"kind":"shutdown","payload":{}}`},
		{name: "missing kind", body: `{"payload":{}}`},
		{name: "ui-command without payload", body: `{"kind":"ui-command"}`},
		{name: "ui-command without command", body: `{"kind":"ui-command","payload":{"session_name":"x"}}`},
		{name: "payload shape mismatch", body: `{"kind":"attendance-notify","payload":[1,2,3]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestDecodeHeartbeatWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(KindHeartbeat, nil)
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, decoded.Kind)
	assert.Empty(t, decoded.Payload)
}

func TestDecodeUICommand(t *testing.T) {
	env, err := NewEnvelope(KindUICommand, UICommand{
		Command:         "session-start",
		SessionName:     "Morning drill",
		DurationMinutes: 45,
	})
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)

	var cmd UICommand
	require.NoError(t, decoded.DecodePayload(&cmd))
	assert.Equal(t, "session-start", cmd.Command)
	assert.Equal(t, 45, cmd.DurationMinutes)
}
