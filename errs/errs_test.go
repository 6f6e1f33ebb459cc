package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

func TestErrorRendersStructuredParts(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := errs.New("connection/manager", errs.KindConnection,
		errs.WithMessage("dial failed"),
		errs.WithCode(1006),
		errs.WithCause(cause),
	)

	rendered := err.Error()
	require.Contains(t, rendered, "component=connection/manager")
	require.Contains(t, rendered, "kind=connection")
	require.Contains(t, rendered, "code=1006")
	require.Contains(t, rendered, `message="dial failed"`)
	require.Contains(t, rendered, "connection refused")
	require.ErrorIs(t, err, cause)
}

func TestKindOfUnwrapsWrappedEnvelopes(t *testing.T) {
	inner := errs.New("parser", errs.KindParse, errs.WithMessage("bad frame"))
	wrapped := fmt.Errorf("handle frame: %w", inner)

	require.Equal(t, errs.KindParse, errs.KindOf(wrapped))
	require.True(t, errs.IsKind(wrapped, errs.KindParse))
	require.Equal(t, errs.Kind(""), errs.KindOf(errors.New("plain")))
}

func TestIsUnknownEventRequiresParseKindAndField(t *testing.T) {
	unknown := errs.New("parser", errs.KindParse,
		errs.WithField(errs.FieldUnknownEvent),
		errs.WithMessage(`unsupported event type "forceOrder"`))
	require.True(t, errs.IsUnknownEvent(unknown))
	require.True(t, errs.IsUnknownEvent(fmt.Errorf("handle frame: %w", unknown)))

	require.False(t, errs.IsUnknownEvent(errs.New("parser", errs.KindParse)))
	require.False(t, errs.IsUnknownEvent(errs.New("parser", errs.KindValidation,
		errs.WithField(errs.FieldUnknownEvent))))
	require.False(t, errs.IsUnknownEvent(errors.New("plain")))
	require.False(t, errs.IsUnknownEvent(nil))
}

func TestRetryableFollowsDecisionTable(t *testing.T) {
	cases := []struct {
		kind errs.Kind
		want bool
	}{
		{errs.KindConnection, true},
		{errs.KindHeartbeatLost, true},
		{errs.KindProtocol, true},
		{errs.KindTimeout, true},
		{errs.KindParse, false},
		{errs.KindValidation, false},
		{errs.KindAuth, false},
		{errs.KindConfig, false},
		{errs.KindTooManyStreams, false},
	}
	for _, tc := range cases {
		err := errs.New("test", tc.kind)
		require.Equal(t, tc.want, errs.Retryable(err), "kind %s", tc.kind)
	}
}
