package traces

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanRecordsNameAndAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), "trade.ConfirmPaymentReceived",
		TradeID("trd_1"),
		UserID("user_1"),
	)
	span.SetAttributes(EscrowState("released"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(ended))
	}
	if got := ended[0].Name(); got != "trade.ConfirmPaymentReceived" {
		t.Fatalf("span name = %q", got)
	}

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["trade.id"] != "trd_1" {
		t.Errorf("trade.id = %q, want trd_1", attrs["trade.id"])
	}
	if attrs["user.id"] != "user_1" {
		t.Errorf("user.id = %q, want user_1", attrs["user.id"])
	}
	if attrs["escrow.state"] != "released" {
		t.Errorf("escrow.state = %q, want released", attrs["escrow.state"])
	}
}
