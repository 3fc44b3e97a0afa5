// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("langproxy.jsonrpc")
	meter  = otel.Meter("langproxy.jsonrpc")
)

var (
	callLatency   metric.Float64Histogram
	callTotal     metric.Int64Counter
	inboundTotal  metric.Int64Counter
	framingErrors metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		callLatency, err = meter.Float64Histogram(
			"jsonrpc_call_duration_seconds",
			metric.WithDescription("Duration of outbound JSON-RPC calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		callTotal, err = meter.Int64Counter(
			"jsonrpc_call_total",
			metric.WithDescription("Outbound JSON-RPC calls by method and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		inboundTotal, err = meter.Int64Counter(
			"jsonrpc_inbound_total",
			metric.WithDescription("Inbound JSON-RPC messages by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		framingErrors, err = meter.Int64Counter(
			"jsonrpc_framing_errors_total",
			metric.WithDescription("Frames discarded by the framer"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startCallSpan(ctx context.Context, conn, method string, id int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "jsonrpc.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("langproxy.conn", conn),
			attribute.Int64("rpc.jsonrpc.request_id", id),
		),
	)
}

func endCallSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isContextErr(err):
		return "cancelled"
	case isProtocolErr(err):
		return "protocol_error"
	default:
		return "transport_error"
	}
}

func recordCall(ctx context.Context, conn, method string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("conn", conn),
		attribute.String("method", method),
		attribute.String("outcome", callOutcome(err)),
	)
	callLatency.Record(ctx, d.Seconds(), attrs)
	callTotal.Add(ctx, 1, attrs)
}

func recordInbound(conn string, kind Kind) {
	if initMetrics() != nil {
		return
	}
	inboundTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("conn", conn),
		attribute.String("kind", kind.String()),
	))
}

func recordFramingError(conn string, err error) {
	if initMetrics() != nil {
		return
	}
	reason := "unknown"
	if fe, ok := err.(*FramingError); ok {
		reason = fe.Err.Error()
	}
	framingErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("conn", conn),
		attribute.String("reason", reason),
	))
}
