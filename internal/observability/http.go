package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Transport is an http.RoundTripper middleware that traces outgoing HTTP exchanges.
//
// Each request is tagged with a uuid trace id which is logged and optionally
// propagated in the TraceIdHeader request header. Request and response bodies
// are never logged.
type Transport struct {
	TraceIdHeader string
	Next          http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (self Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	t0 := time.Now()

	tId := uuid.New().String()
	log := GetObservability(r.Context()).Log().With("tId", tId)
	if "" != self.TraceIdHeader {
		r = r.Clone(r.Context())
		r.Header.Set(self.TraceIdHeader, tId)
	}

	next := self.Next
	if nil == next {
		next = http.DefaultTransport
	}

	resp, err := next.RoundTrip(r)
	if nil != err {
		log.Info(
			"failed HTTP exchange",
			"method", r.Method,
			"host", r.URL.Host,
			"path", r.URL.Path,
			"duration", time.Since(t0),
			"error", err,
		)
		return resp, err
	}

	log.Info(
		"completed HTTP exchange",
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(t0),
	)

	return resp, nil
}

var _ http.RoundTripper = Transport{}
