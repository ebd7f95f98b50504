package vau

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// composeInnerRequest serializes req as the raw HTTP/1.1 bytes transported
// inside the channel envelope.
//
// The layout is request line, Host header, the request headers in a stable
// order, a Content-Length header and the body after an empty line.
func composeInnerRequest(req *http.Request, base string) ([]byte, error) {
	full := req.URL.String()
	if !strings.HasPrefix(full, base) {
		return nil, newError("request url %s outside channel base %s", full, base)
	}
	path := "/" + strings.TrimPrefix(full, base)

	var body []byte
	if nil != req.Body {
		var err error
		body, err = io.ReadAll(req.Body)
		if nil != err {
			return nil, wrapError(err, "failed reading request body")
		}
		req.Body.Close()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, path)
	fmt.Fprintf(&buf, "Host: %s\r\n", req.URL.Host)

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range req.Header[name] {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}

	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)

	return buf.Bytes(), nil
}

// parseInnerResponse decodes the raw HTTP/1.1 bytes carried by a decrypted
// channel response. It fails closed on any malformed framing.
func parseInnerResponse(data []byte) (*http.Response, error) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		return nil, wrapError(ErrProtocol, "missing header delimiter")
	}

	lines := strings.Split(string(head), "\r\n")
	statusParts := strings.SplitN(lines[0], " ", 3)
	if 3 != len(statusParts) {
		return nil, wrapError(ErrProtocol, "malformed status line %q", lines[0])
	}
	statusCode, err := strconv.Atoi(statusParts[1])
	if nil != err {
		return nil, wrapError(ErrProtocol, "malformed status code %q", statusParts[1])
	}

	header := make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, wrapError(ErrProtocol, "malformed header line %q", line)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	rv := &http.Response{
		Status:        statusParts[1] + " " + statusParts[2],
		StatusCode:    statusCode,
		Proto:         statusParts[0],
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}

	return rv, nil
}
