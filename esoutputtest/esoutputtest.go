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

// Package esoutputtest provides a mock Elasticsearch _bulk endpoint and
// helpers for decoding the requests sent by go-esoutput.
package esoutputtest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// Action holds the decoded action line of a bulk item.
type Action struct {
	// Name holds the action name, such as "index".
	Name string

	Index   string `json:"_index"`
	DocType string `json:"_type"`
	ID      string `json:"_id"`
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// action lines, the documents and a response body reporting every item as
// created.
func DecodeBulkRequest(r *http.Request) ([]Action, [][]byte, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(nil, 16*1024*1024)
	var actions []Action
	var indexed [][]byte
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		var line map[string]Action
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			panic(err)
		}
		if len(line) != 1 {
			panic(fmt.Errorf("expected a single action, got %s", scanner.Bytes()))
		}
		var action Action
		for name, a := range line {
			action = a
			action.Name = name
		}
		actions = append(actions, action)
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		indexed = append(indexed, doc)

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: action.ID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Name: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return actions, indexed, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends /_bulk requests to bulkHandler. The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, "", bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling <prefix>/_bulk
// requests, wrapping bulkHandler to conform with go-elasticsearch product
// checking.
func HandleBulk(mux *http.ServeMux, prefix string, bulkHandler http.HandlerFunc) {
	mux.HandleFunc(prefix+"/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// WriteBulkResponse encodes resp as the JSON body of a 200 OK response.
// The errors field is set when any item has a status above 201.
func WriteBulkResponse(w http.ResponseWriter, resp esutil.BulkIndexerResponse) {
	for _, item := range resp.Items {
		for _, v := range item {
			if v.Status > 201 {
				resp.HasErrors = true
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// AssertOTelMetrics calls assert for every metric in metrics.
func AssertOTelMetrics(t testing.TB, metrics []metricdata.Metrics, assert func(m metricdata.Metrics)) {
	t.Helper()
	for _, m := range metrics {
		assert(m)
	}
}

// SumInt64 returns the sum of the data points of the int64 counter name
// that carry all of attrs.
func SumInt64(metrics []metricdata.Metrics, name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, m := range metrics {
		if m.Name != name {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
	points:
		for _, dp := range sum.DataPoints {
			for _, kv := range attrs {
				if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
					continue points
				}
			}
			total += dp.Value
		}
	}
	return total
}
