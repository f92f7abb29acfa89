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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-esoutput/record"
)

// encoder holds the compiled, read-only part of Config needed to encode
// documents. It is shared by all BulkBuilders of an Output.
type encoder struct {
	index      *indexResolver
	timeFormat timeFormatter
	idMode     IDMode
	idTemplate *IDTemplate

	typeName         string
	suppressTypeName bool
	timeKey          string
	omitTimeKey      bool
	tagKey           string
	includeTagKey    bool
	replaceDots      bool
	compressionLevel int
}

func newEncoder(cfg Config) (*encoder, error) {
	index, err := newIndexResolver(cfg)
	if err != nil {
		return nil, err
	}
	layout, err := newTimeFormatter(cfg.TimeKeyFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid TimeKeyFormat %q: %w", cfg.TimeKeyFormat, err)
	}
	enc := &encoder{
		index:            index,
		timeFormat:       timeFormatter{layout: layout, nanos: cfg.TimeKeyNanos},
		idMode:           cfg.IDMode,
		typeName:         cfg.Type,
		suppressTypeName: cfg.SuppressTypeName,
		timeKey:          cfg.TimeKey,
		omitTimeKey:      cfg.OmitTimeKey,
		tagKey:           cfg.TagKey,
		includeTagKey:    cfg.IncludeTagKey,
		replaceDots:      cfg.ReplaceDots,
		compressionLevel: cfg.CompressionLevel,
	}
	if cfg.IDMode == IDModeTemplate {
		enc.idTemplate = ParseIDTemplate(cfg.IDTemplate)
	}
	return enc, nil
}

// BulkBuilder encodes a batch into the body of a single bulk request: one
// action line and one document line per record, in batch order.
//
// A BulkBuilder is not safe for concurrent use. Its buffer is reused by the
// next Build call, so Bytes must not be retained after that.
type BulkBuilder struct {
	enc        *encoder
	itemsAdded int
	jsonw      fastjson.Writer
	docw       fastjson.Writer
	buf        bytes.Buffer
	gzipw      *gzip.Writer
	gzipBuf    bytes.Buffer
}

// NewBulkBuilder returns a BulkBuilder encoding documents as configured by
// cfg, after applying defaults.
func NewBulkBuilder(cfg Config) (*BulkBuilder, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return newBulkBuilder(enc), nil
}

func newBulkBuilder(enc *encoder) *BulkBuilder {
	return &BulkBuilder{enc: enc}
}

// Reset discards the buffered request.
func (b *BulkBuilder) Reset() {
	b.itemsAdded = 0
	b.buf.Reset()
	b.jsonw.Reset()
	b.docw.Reset()
}

// Items returns the number of buffered documents.
func (b *BulkBuilder) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkBuilder) Len() int {
	return b.buf.Len()
}

// Bytes returns the buffered request body.
func (b *BulkBuilder) Bytes() []byte {
	return b.buf.Bytes()
}

// Build encodes batch, replacing any previously buffered request. now is
// the flush start time, used for index names when the current time
// override is enabled.
//
// If any record fails to encode the buffer is emptied and a *FlushError
// is returned; no partial request is ever left behind.
func (b *BulkBuilder) Build(batch record.Batch, now time.Time) error {
	b.Reset()
	if len(batch.Records) == 0 {
		return &FlushError{Kind: KindMalformedInput, Err: ErrEmptyBatch}
	}
	return b.guard(func() error {
		for i, rec := range batch.Records {
			if err := b.add(rec, batch.Tag, now); err != nil {
				b.Reset()
				return &FlushError{
					Kind: KindMalformedInput,
					Err:  fmt.Errorf("failed to encode record %d: %w", i, err),
				}
			}
		}
		return nil
	})
}

// guard runs encode, turning a bytes.ErrTooLarge panic into a
// KindResourceExhausted error with the buffer emptied. Other panics are
// propagated.
func (b *BulkBuilder) guard(encode func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// bytes.Buffer panics with ErrTooLarge when it cannot grow.
			if e, ok := r.(error); !ok || !errors.Is(e, bytes.ErrTooLarge) {
				panic(r)
			}
			b.Reset()
			err = &FlushError{Kind: KindResourceExhausted, Err: bytes.ErrTooLarge}
		}
	}()
	return encode()
}

func (b *BulkBuilder) add(rec record.Record, tag string, now time.Time) error {
	index := b.enc.index.resolve(rec, tag, now)

	b.docw.Reset()
	if err := b.writeDocument(rec, tag); err != nil {
		return err
	}

	var documentID string
	switch b.enc.idMode {
	case IDModeHash:
		documentID = hashDocumentID(b.docw.Bytes())
	case IDModeTemplate:
		documentID = b.enc.idTemplate.Resolve(rec.Fields)
	}

	b.writeMeta(index, documentID)
	b.buf.Write(b.docw.Bytes())
	b.buf.WriteByte('\n')
	b.itemsAdded++
	return nil
}

func (b *BulkBuilder) writeMeta(index, documentID string) {
	b.jsonw.RawString(`{"index":{"_index":`)
	b.jsonw.String(index)
	if !b.enc.suppressTypeName {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(b.enc.typeName)
	}
	if documentID != "" {
		b.jsonw.RawString(`,"_id":`)
		b.jsonw.String(documentID)
	}
	b.jsonw.RawString("}}\n")
	b.buf.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// writeDocument writes the time field, the tag field and the transcoded
// record fields, in that order, as one JSON object.
func (b *BulkBuilder) writeDocument(rec record.Record, tag string) error {
	w := &b.docw
	w.RawByte('{')
	first := true
	if !b.enc.omitTimeKey {
		w.String(b.enc.timeKey)
		w.RawByte(':')
		w.String(b.enc.timeFormat.format(rec.Time))
		first = false
	}
	if b.enc.includeTagKey {
		if !first {
			w.RawByte(',')
		}
		w.String(b.enc.tagKey)
		w.RawByte(':')
		w.String(tag)
		first = false
	}
	for _, f := range Transcode(rec.Fields, b.enc.replaceDots) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(f.Key)
		w.RawByte(':')
		if err := writeValue(w, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Key, err)
		}
	}
	w.RawByte('}')
	return nil
}

func writeValue(w *fastjson.Writer, v record.Value) error {
	switch v.Kind() {
	case record.KindNull:
		w.RawString("null")
	case record.KindBool:
		w.Bool(v.BoolValue())
	case record.KindInt:
		w.Int64(v.IntValue())
	case record.KindUint:
		w.Uint64(v.UintValue())
	case record.KindFloat:
		f := v.FloatValue()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("unsupported float value %v", f)
		}
		w.Float64(f)
	case record.KindString:
		w.String(v.StringValue())
	case record.KindBinary:
		w.String(string(v.BinaryValue()))
	case record.KindMap:
		w.RawByte('{')
		for i, f := range v.MapValue() {
			if i > 0 {
				w.RawByte(',')
			}
			w.String(f.Key)
			w.RawByte(':')
			if err := writeValue(w, f.Value); err != nil {
				return fmt.Errorf("field %q: %w", f.Key, err)
			}
		}
		w.RawByte('}')
	case record.KindArray:
		w.RawByte('[')
		for i, e := range v.ArrayValue() {
			if i > 0 {
				w.RawByte(',')
			}
			if err := writeValue(w, e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		w.RawByte(']')
	default:
		return fmt.Errorf("unknown value kind %s", v.Kind())
	}
	return nil
}

// compressed returns the buffered request gzip compressed at the configured
// level. The result is valid until the next call.
func (b *BulkBuilder) compressed() ([]byte, error) {
	b.gzipBuf.Reset()
	if b.gzipw == nil {
		var err error
		if b.gzipw, err = gzip.NewWriterLevel(&b.gzipBuf, b.enc.compressionLevel); err != nil {
			return nil, err
		}
	} else {
		b.gzipw.Reset(&b.gzipBuf)
	}
	if _, err := b.gzipw.Write(b.buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress bulk request: %w", err)
	}
	if err := b.gzipw.Close(); err != nil {
		return nil, fmt.Errorf("failed closing the gzip writer: %w", err)
	}
	return b.gzipBuf.Bytes(), nil
}
