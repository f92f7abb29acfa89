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

package esoutput_test

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/elastic/go-esoutput"
	"github.com/elastic/go-esoutput/esoutputtest"
	"github.com/elastic/go-esoutput/record"
)

const benchmarkBatchSize = 100

func BenchmarkFlush(b *testing.B) {
	b.Run("NoCompression", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{CompressionLevel: gzip.NoCompression})
	})
	b.Run("BestSpeed", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{CompressionLevel: gzip.BestSpeed})
	})
	b.Run("DefaultCompression", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{CompressionLevel: gzip.DefaultCompression})
	})
	b.Run("BestCompression", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{CompressionLevel: gzip.BestCompression})
	})
	b.Run("HashID", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{IDMode: esoutput.IDModeHash})
	})
	b.Run("Logstash", func(b *testing.B) {
		benchmarkFlush(b, esoutput.Config{
			LogstashFormat:    true,
			LogstashPrefixKey: "$kubernetes['namespace']",
			ReplaceDots:       true,
		})
	})
}

func BenchmarkFlushError(b *testing.B) {
	client := esoutputtest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_, _, result := esoutputtest.DecodeBulkRequest(r)
		for i, item := range result.Items {
			itemResp := item["index"]
			itemResp.Status = http.StatusBadRequest
			itemResp.Error.Type = "error_type"
			if i%2 == 0 {
				itemResp.Error.Reason = "error_reason_even. Preview of field's value: 'abc def ghi'"
			} else {
				itemResp.Error.Reason = "error_reason_odd. Preview of field's value: some field value"
			}
			item["index"] = itemResp
		}
		result.HasErrors = true
		json.NewEncoder(w).Encode(result)
	})
	pool, err := esoutput.NewClientPool(client, 10)
	require.NoError(b, err)
	out, err := esoutput.New(pool, esoutput.Config{Logger: zap.NewNop()})
	require.NoError(b, err)

	batch := newBenchmarkBatch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if result, _ := out.Flush(ctx, batch); result != esoutput.ResultRetry {
				b.Fatalf("unexpected result %s", result)
			}
		}
	})
}

func benchmarkFlush(b *testing.B, cfg esoutput.Config) {
	var indexed int64
	client := esoutputtest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
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

		var n int64
		var jsonw fastjson.Writer
		jsonw.RawString(`{"took":1,"errors":false,"items":[`)
		first := true
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Action is always "index", skip decoding to avoid
			// inflating allocations in benchmark.
			if !scanner.Scan() {
				panic("expected source")
			}
			if first {
				first = false
			} else {
				jsonw.RawByte(',')
			}
			jsonw.RawString(`{"index":{"status":201}}`)
			n++
		}
		require.NoError(b, scanner.Err())
		jsonw.RawString(`]}`)
		w.Write(jsonw.Bytes())
		atomic.AddInt64(&indexed, n)
	})
	pool, err := esoutput.NewClientPool(client, 10)
	require.NoError(b, err)
	out, err := esoutput.New(pool, cfg)
	require.NoError(b, err)

	batch := newBenchmarkBatch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := out.Flush(ctx, batch); err != nil {
				b.Fatal(err)
			}
		}
	})
	assert.Equal(b, int64(b.N*benchmarkBatchSize), indexed)
}

func BenchmarkBulkBuilder(b *testing.B) {
	builder, err := esoutput.NewBulkBuilder(esoutput.Config{LogstashFormat: true})
	require.NoError(b, err)
	batch := newBenchmarkBatch()
	now := time.Now()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := builder.Build(batch, now); err != nil {
			b.Fatal(err)
		}
		b.SetBytes(int64(builder.Len()))
		builder.Reset()
	}
}

func newBenchmarkBatch() record.Batch {
	batch := record.Batch{Tag: "kube.var.log.containers"}
	now := time.Now()
	for i := 0; i < benchmarkBatchSize; i++ {
		batch.Records = append(batch.Records, record.Record{
			Time: now,
			Fields: record.Map{
				{Key: "log", Value: record.String("GET /healthz HTTP/1.1 200 \"kube-probe/1.29\"")},
				{Key: "stream", Value: record.String("stdout")},
				{Key: "kubernetes", Value: record.MapValue(record.Map{
					{Key: "namespace", Value: record.String("default")},
					{Key: "pod.name", Value: record.String("web-7d4b9c")},
					{Key: "labels", Value: record.MapValue(record.Map{
						{Key: "app.kubernetes.io/name", Value: record.String("web")},
					})},
				})},
				{Key: "bytes", Value: record.Int(512)},
				{Key: "duration", Value: record.Float(0.0042)},
			},
		})
	}
	return batch
}
