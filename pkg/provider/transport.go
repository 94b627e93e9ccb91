package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

const (
	tracerName = "modelmux"

	// maxErrorBody caps how much of an error response is read for
	// classification.
	maxErrorBody = 32 << 10
)

// Transport executes adapter-built HTTP requests with uniform error
// classification and an otel span per request. On a non-2xx status the body
// is consumed and mapped to a classified error; on success the body is the
// caller's to read and close.
type Transport struct {
	provider string
	client   *http.Client
	tracer   trace.Tracer
}

// NewTransport creates a transport for one provider. The client carries no
// overall timeout; adapters bound non-streaming calls through the context.
func NewTransport(providerName string) *Transport {
	return &Transport{
		provider: providerName,
		client:   &http.Client{},
		tracer:   otel.Tracer(tracerName),
	}
}

// Do executes the request. Classification: context deadline expiry maps to
// TIMEOUT_TRANSPORT, context cancellation to CANCELLED, connection failures
// to SERVER_ERROR, and non-2xx statuses through their status code.
func (t *Transport) Do(ctx context.Context, req *http.Request, model string, stream bool) (*http.Response, error) {
	ctx, span := t.tracer.Start(ctx, "chat "+model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.system", t.provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Bool("gen_ai.request.stream", stream),
		),
	)
	defer span.End()

	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		mapped := t.classifyTransportError(err, model)
		span.RecordError(mapped)
		span.SetAttributes(attribute.Bool("error", true))
		return nil, mapped
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		mapped := muxerrors.FromStatus(t.provider, model, resp.StatusCode, body, resp.Header)
		span.RecordError(mapped)
		span.SetAttributes(attribute.Bool("error", true))
		return nil, mapped
	}

	return resp, nil
}

func (t *Transport) classifyTransportError(err error, model string) *muxerrors.Error {
	var kind muxerrors.Kind
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = muxerrors.KindTransportTimeout
	case errors.Is(err, context.Canceled):
		kind = muxerrors.KindCancelled
	default:
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			kind = muxerrors.KindTransportTimeout
		} else {
			// Connection-level failures are retryable server faults.
			kind = muxerrors.KindServerError
		}
	}
	return muxerrors.Wrap(kind, err, "transport: "+err.Error()).WithProvider(t.provider, model)
}
