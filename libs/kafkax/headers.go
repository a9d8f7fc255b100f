package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Headers is a message header list with lookup and replace-or-append.
type Headers []kafka.Header

func (h Headers) Get(key string) string {
	for _, kv := range h {
		if kv.Key == key {
			return string(kv.Value)
		}
	}
	return ""
}

func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, kv := range h {
		keys = append(keys, kv.Key)
	}
	return keys
}

// HeaderValue returns the first header named key, or "".
func HeaderValue(headers []kafka.Header, key string) string {
	return Headers(headers).Get(key)
}

// InjectTraceHeaders adds the W3C trace context of ctx to h.
func (h *Headers) InjectTraceHeaders(ctx context.Context) {
	otel.GetTextMapPropagator().Inject(ctx, h)
}

// ExtractTraceContext returns ctx carrying the trace context found in headers, if any.
func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	h := Headers(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &h)
}

var _ propagation.TextMapCarrier = (*Headers)(nil)
