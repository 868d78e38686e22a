package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("lockable-resources", "test", exporter))

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
	}{
		{name: "ok", err: nil, wantStatus: codes.Ok},
		{name: "failed", err: errors.New("boom"), wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()
			_, span := StartSpan(context.Background(), "command "+tt.name, "CONSUMER")
			span.WithAttributes(map[string]string{"action": "lock"})
			EndSpan(span, tt.err)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			got := spans[0]
			assert.Equal(t, "command "+tt.name, got.Name)
			assert.Equal(t, tt.wantStatus, got.Status.Code)
			assert.Contains(t, got.Attributes, attribute.String("action", "lock"))
		})
	}
}

func TestNilSpan(t *testing.T) {
	var sp *Span
	assert.Nil(t, sp.WithAttributes(map[string]string{"k": "v"}))
	sp.SetStatus(errors.New("ignored"))
	EndSpan(nil, nil)
}
