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

package esoutput

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-esoutput/record"
)

var testTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBuilder(t testing.TB, cfg Config) *BulkBuilder {
	t.Helper()
	b, err := NewBulkBuilder(cfg)
	require.NoError(t, err)
	return b
}

func msgRecord(msg string) record.Record {
	return record.Record{
		Time:   testTime,
		Fields: record.Map{{Key: "msg", Value: record.String(msg)}},
	}
}

func TestBulkBuilderBuild(t *testing.T) {
	b := newTestBuilder(t, Config{})
	err := b.Build(record.Batch{Tag: "app", Records: []record.Record{
		msgRecord("hello"),
		msgRecord("world"),
	}}, testTime)
	require.NoError(t, err)

	assert.Equal(t, 2, b.Items())
	assert.Equal(t, `{"index":{"_index":"fluent-bit","_type":"_doc"}}
{"@timestamp":"2021-01-01T00:00:00.000Z","msg":"hello"}
{"index":{"_index":"fluent-bit","_type":"_doc"}}
{"@timestamp":"2021-01-01T00:00:00.000Z","msg":"world"}
`, string(b.Bytes()))
	assert.Equal(t, len(b.Bytes()), b.Len())

	// Building again replaces the previous request.
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord("again")}}, testTime))
	assert.Equal(t, 1, b.Items())
	assert.Equal(t, 2, bytes.Count(b.Bytes(), []byte("\n")))
	assert.Contains(t, string(b.Bytes()), `"msg":"again"`)
}

func TestBulkBuilderOrder(t *testing.T) {
	b := newTestBuilder(t, Config{})
	var records []record.Record
	for i := 0; i < 100; i++ {
		records = append(records, record.Record{
			Time:   testTime,
			Fields: record.Map{{Key: "n", Value: record.Int(int64(i))}},
		})
	}
	require.NoError(t, b.Build(record.Batch{Records: records}, testTime))

	lines := strings.Split(strings.TrimSuffix(string(b.Bytes()), "\n"), "\n")
	require.Len(t, lines, 200)
	for i := 0; i < 100; i++ {
		assert.True(t, strings.HasPrefix(lines[2*i], `{"index":`))
		assert.True(t, strings.HasSuffix(lines[2*i+1], `"n":`+strconv.Itoa(i)+`}`), lines[2*i+1])
	}
}

func TestBulkBuilderValues(t *testing.T) {
	b := newTestBuilder(t, Config{OmitTimeKey: true, SuppressTypeName: true})
	err := b.Build(record.Batch{Records: []record.Record{{
		Time: testTime,
		Fields: record.Map{
			{Key: "null", Value: record.Null()},
			{Key: "bool", Value: record.Bool(true)},
			{Key: "int", Value: record.Int(-42)},
			{Key: "uint", Value: record.Uint(math.MaxUint64)},
			{Key: "float", Value: record.Float(1.5)},
			{Key: "string", Value: record.String("say \"hi\"\n")},
			{Key: "binary", Value: record.Binary([]byte("raw"))},
			{Key: "map", Value: record.MapValue(record.Map{
				{Key: "z", Value: record.Int(1)},
				{Key: "a", Value: record.ArrayValue([]record.Value{record.Int(1), record.String("two"), record.ArrayValue(nil)})},
			})},
			{Key: "empty", Value: record.MapValue(nil)},
		},
	}}}, testTime)
	require.NoError(t, err)
	assert.Equal(t, `{"index":{"_index":"fluent-bit"}}
{"null":null,"bool":true,"int":-42,"uint":18446744073709551615,"float":1.5,"string":"say \"hi\"\n","binary":"raw","map":{"z":1,"a":[1,"two",[]]},"empty":{}}
`, string(b.Bytes()))
}

func TestBulkBuilderOptions(t *testing.T) {
	b := newTestBuilder(t, Config{
		Index:         "logs-%Y",
		Type:          "event",
		IncludeTagKey: true,
		TagKey:        "source",
		TimeKey:       "ts",
		TimeKeyNanos:  true,
		ReplaceDots:   true,
	})
	rec := record.Record{
		Time: time.Date(2022, 5, 6, 7, 8, 9, 123456789, time.UTC),
		Fields: record.Map{
			{Key: "host.name", Value: record.MapValue(record.Map{
				{Key: "a.b", Value: record.Int(1)},
			})},
		},
	}
	require.NoError(t, b.Build(record.Batch{Tag: "kube.app", Records: []record.Record{rec}}, testTime))
	assert.Equal(t, `{"index":{"_index":"logs-2022","_type":"event"}}
{"ts":"2022-05-06T07:08:09.123456789Z","source":"kube.app","host_name":{"a_b":1}}
`, string(b.Bytes()))
}

func TestBulkBuilderHashID(t *testing.T) {
	b := newTestBuilder(t, Config{IDMode: IDModeHash, SuppressTypeName: true})
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord("hello")}}, testTime))
	assert.Equal(t, `{"index":{"_index":"fluent-bit","_id":"aff1c8bd-e1f2-e897-8f91-1070761842a3"}}
{"@timestamp":"2021-01-01T00:00:00.000Z","msg":"hello"}
`, string(b.Bytes()))

	// Identical records get identical ids, across builds.
	first := string(b.Bytes())
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord("hello")}}, testTime.Add(time.Hour)))
	assert.Equal(t, first, string(b.Bytes()))
}

func TestBulkBuilderTemplateID(t *testing.T) {
	b := newTestBuilder(t, Config{IDTemplate: "$[user]-$[msg]", SuppressTypeName: true, OmitTimeKey: true})
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{
		{Time: testTime, Fields: record.Map{
			{Key: "User", Value: record.String("alice")},
			{Key: "msg", Value: record.String("hi")},
		}},
		// Placeholders without a matching string field expand to nothing.
		{Time: testTime, Fields: record.Map{
			{Key: "user", Value: record.Int(7)},
		}},
	}}, testTime))
	assert.Equal(t, `{"index":{"_index":"fluent-bit","_id":"alice-hi"}}
{"User":"alice","msg":"hi"}
{"index":{"_index":"fluent-bit","_id":"-"}}
{"user":7}
`, string(b.Bytes()))
}

func TestBulkBuilderEmptyBatch(t *testing.T) {
	b := newTestBuilder(t, Config{})
	err := b.Build(record.Batch{Tag: "app"}, testTime)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.Equal(t, KindMalformedInput, flushErr.Kind)
	assert.Equal(t, 0, b.Items())
	assert.Equal(t, 0, b.Len())
}

func TestBulkBuilderFailureResetsBuffer(t *testing.T) {
	b := newTestBuilder(t, Config{})
	err := b.Build(record.Batch{Records: []record.Record{
		msgRecord("ok"),
		{Time: testTime, Fields: record.Map{
			{Key: "nested", Value: record.ArrayValue([]record.Value{record.Float(math.NaN())})},
		}},
		msgRecord("never"),
	}}, testTime)

	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.Equal(t, KindMalformedInput, flushErr.Kind)
	assert.False(t, flushErr.Kind.Retryable())
	assert.Contains(t, err.Error(), "record 1")
	assert.Equal(t, 0, b.Items())
	assert.Equal(t, 0, b.Len())
}

func TestBulkBuilderTruncatedPrefix(t *testing.T) {
	b := newTestBuilder(t, Config{LogstashFormat: true, LogstashPrefixKey: "app"})
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{{
		Time:   time.Unix(0, 0),
		Fields: record.Map{{Key: "app", Value: record.String(strings.Repeat("a", 127) + "é")}},
	}}}, testTime))

	action, _, ok := bytes.Cut(b.Bytes(), []byte("\n"))
	require.True(t, ok)
	var meta struct {
		Index struct {
			Index string `json:"_index"`
		} `json:"index"`
	}
	require.NoError(t, json.Unmarshal(action, &meta))
	assert.Equal(t, strings.Repeat("a", 127)+"\ufffd-1970.01.01", meta.Index.Index)
}

func TestBulkBuilderTooLarge(t *testing.T) {
	b := newTestBuilder(t, Config{})
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord("buffered")}}, testTime))

	err := b.guard(func() error {
		b.buf.WriteString("partial")
		panic(bytes.ErrTooLarge)
	})
	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.Equal(t, KindResourceExhausted, flushErr.Kind)
	assert.Equal(t, ResultError, flushErr.result())
	assert.ErrorIs(t, err, bytes.ErrTooLarge)
	assert.Equal(t, 0, b.Items())
	assert.Equal(t, 0, b.Len())

	assert.PanicsWithValue(t, "boom", func() {
		b.guard(func() error { panic("boom") })
	})
	assert.Panics(t, func() {
		b.guard(func() error { panic(io.ErrUnexpectedEOF) })
	})
}

func TestBulkBuilderCompressInvalidLevel(t *testing.T) {
	enc := newTestEncoder(t)
	enc.compressionLevel = 42
	b := newBulkBuilder(enc)
	require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord("hello")}}, testTime))
	_, err := b.compressed()
	assert.Error(t, err)
}

func TestBulkBuilderCompressed(t *testing.T) {
	b := newTestBuilder(t, Config{CompressionLevel: gzip.BestSpeed})
	for _, msg := range []string{"first", "second"} {
		require.NoError(t, b.Build(record.Batch{Records: []record.Record{msgRecord(msg)}}, testTime))
		compressed, err := b.compressed()
		require.NoError(t, err)

		r, err := gzip.NewReader(bytes.NewReader(compressed))
		require.NoError(t, err)
		uncompressed, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, b.Bytes(), uncompressed)
	}
}

func TestNewBulkBuilderInvalidConfig(t *testing.T) {
	_, err := NewBulkBuilder(Config{CompressionLevel: 42})
	assert.Error(t, err)
	_, err = NewBulkBuilder(Config{IDMode: IDModeTemplate})
	assert.Error(t, err)
	_, err = NewBulkBuilder(Config{IDMode: IDModeHash, IDTemplate: "$[a]"})
	assert.Error(t, err)
}
