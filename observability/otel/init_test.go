package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowcoord/config"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,broken, =x,tenant=escrow")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"tenant":        "escrow",
	}, headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.Telemetry{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), config.Telemetry{Traces: true})
	require.Error(t, err)
}
