// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package esapi contains a stripped down version of https://github.com/elastic/go-elasticsearch/tree/main/esapi
// covering the single bulk request issued by go-esoutput, so that any v7 or
// v8 client, or a plain transport, can be used to send it.
package esapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport defines the interface for an API client.
type Transport interface {
	Perform(*http.Request) (*http.Response, error)
}

// BulkRequest configures a _bulk request.
type BulkRequest struct {
	// Body holds the NDJSON request body.
	Body io.Reader

	// ContentLength holds the body length, if known.
	ContentLength int64

	// Path holds an optional prefix prepended to /_bulk.
	Path string

	// Pipeline holds the ingest pipeline ID.
	Pipeline string

	// Timeout holds the server side timeout of the request.
	Timeout time.Duration

	// Host overrides the Host header.
	Host string

	Header http.Header
}

// URL returns the path and query of the request.
func (r BulkRequest) URL() *url.URL {
	u := &url.URL{Path: strings.TrimSuffix(r.Path, "/") + "/_bulk"}
	params := make(url.Values)
	if r.Pipeline != "" {
		params.Set("pipeline", r.Pipeline)
	}
	if r.Timeout != 0 {
		params.Set("timeout", formatDuration(r.Timeout))
	}
	u.RawQuery = params.Encode()
	return u
}

// NewHTTPRequest builds the HTTP request. Its URL carries no scheme or host;
// the transport fills them in.
func (r BulkRequest) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL().String(), r.Body)
	if err != nil {
		return nil, err
	}
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-ndjson")
	}
	if r.Host != "" {
		req.Host = r.Host
	}
	return req, nil
}

// formatDuration converts duration to a string in the format
// accepted by Elasticsearch.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return strconv.FormatInt(int64(d), 10) + "nanos"
	}
	return strconv.FormatInt(int64(d)/int64(time.Millisecond), 10) + "ms"
}
