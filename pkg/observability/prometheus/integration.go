package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// FastHTTPMiddleware records request count and latency for every request
// passing through next. Paths are labelled verbatim, so only mount it on a
// router with a fixed route set.
func FastHTTPMiddleware(m *Metrics, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		m.RecordHTTPRequest(
			string(ctx.Method()),
			string(ctx.Path()),
			statusCodeString(ctx.Response.StatusCode()),
			time.Since(start),
		)
	}
}

// FastHTTPHandler exposes gatherer in the Prometheus text format.
func FastHTTPHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	if gatherer == nil {
		gatherer = DefaultRegistry
	}
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// statusCodeString converts status code to string
func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
