package v1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeEvent, TS: now}},
		{name: "missing version", env: Envelope{Type: TypeEvent}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeEvent}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(TypeSubscribe, "e1", time.Now().UTC(), SubscribePayload{Topic: "party:p1:messages"})
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	require.JSONEq(t, `{"topic":"party:p1:messages"}`, string(env.Payload))

	env, err = NewEnvelope(TypeHello, "e2", time.Now().UTC(), nil)
	require.NoError(t, err)
	require.Nil(t, env.Payload)
}
