package truststore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"code.sanakey.org/golang/internal/observability"
)

const maxDocumentSize = 4 << 20

// HTTPSource fetches the published PKI material over HTTP.
type HTTPSource struct {
	// CertListURL serves the CertLists JSON document.
	CertListURL string

	// OcspURL serves the OCSP response list JSON document.
	OcspURL string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Check returns an error if the HTTPSource is invalid.
func (self HTTPSource) Check() error {
	if "" == self.CertListURL || "" == self.OcspURL {
		return newError("missing CertListURL or OcspURL")
	}
	return nil
}

// FetchCertLists implements Source.
func (self HTTPSource) FetchCertLists(ctx context.Context) (CertLists, error) {
	var lists CertLists
	err := self.getJSON(ctx, self.CertListURL, &lists)
	return lists, err
}

// FetchOcspResponses implements Source.
func (self HTTPSource) FetchOcspResponses(ctx context.Context) ([][]byte, error) {
	var answer struct {
		OcspResponses [][]byte `json:"ocsp_responses"`
	}
	err := self.getJSON(ctx, self.OcspURL, &answer)
	return answer.OcspResponses, err
}

func (self HTTPSource) getJSON(ctx context.Context, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if nil != err {
		return wrapError(err, "failed request building")
	}

	client := self.Client
	if nil == client {
		client = http.DefaultClient
	}
	transport := &observability.Transport{Next: client.Transport}

	resp, err := transport.RoundTrip(req)
	if nil != err {
		return wrapError(err, "request to %s failed", req.URL.Host)
	}
	defer resp.Body.Close()

	if http.StatusOK != resp.StatusCode {
		return newError("fetching %s returned status %d", req.URL.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if nil != err {
		return wrapError(err, "failed response reading")
	}

	return wrapError(json.Unmarshal(data, dst), "failed document decoding")
}
