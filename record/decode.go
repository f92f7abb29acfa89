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

package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	// extEventTime is the Fluent forward protocol EventTime extension.
	extEventTime int8 = 0
	// extTimestamp is the msgpack timestamp extension.
	extTimestamp int8 = -1
)

// ErrMalformed is returned by Decode when a chunk cannot be decoded.
var ErrMalformed = errors.New("malformed record chunk")

// Decode decodes a chunk of concatenated msgpack entries into a Batch.
//
// Each entry is either [time, map] or [[time, metadata], map]. The time may
// be an integer or float number of seconds, an EventTime (ext type 0) or a
// msgpack timestamp (ext type -1). Entries of any other shape are skipped.
// The chunk must start with an array, otherwise ErrMalformed is returned.
func Decode(tag string, data []byte) (Batch, error) {
	batch := Batch{Tag: tag}
	d := msgpack.NewDecoder(bytes.NewReader(data))
	for first := true; ; first = false {
		c, err := d.PeekCode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !isArray(c) {
			if first {
				return Batch{}, fmt.Errorf("%w: expected array, got code 0x%02x", ErrMalformed, c)
			}
			if err := d.Skip(); err != nil {
				return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			continue
		}
		rec, ok, err := decodeEntry(d)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ok {
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, nil
}

func decodeEntry(d *msgpack.Decoder) (Record, bool, error) {
	n, err := d.DecodeArrayLen()
	if err != nil {
		return Record{}, false, err
	}
	if n != 2 {
		return Record{}, false, skipN(d, n)
	}
	ts, err := decodeTime(d)
	if err != nil {
		return Record{}, false, err
	}
	c, err := d.PeekCode()
	if err != nil {
		return Record{}, false, err
	}
	if !isMap(c) {
		return Record{}, false, d.Skip()
	}
	m, err := decodeMap(d)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Time: ts, Fields: m}, true, nil
}

func decodeTime(d *msgpack.Decoder) (time.Time, error) {
	c, err := d.PeekCode()
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case isArray(c):
		// [time, metadata]
		n, err := d.DecodeArrayLen()
		if err != nil {
			return time.Time{}, err
		}
		if n < 1 {
			return time.Unix(0, 0).UTC(), nil
		}
		t, err := decodeTime(d)
		if err != nil {
			return time.Time{}, err
		}
		return t, skipN(d, n-1)
	case msgpcode.IsExt(c):
		id, length, err := d.DecodeExtHeader()
		if err != nil {
			return time.Time{}, err
		}
		buf := make([]byte, length)
		if err := d.ReadFull(buf); err != nil {
			return time.Time{}, err
		}
		return extTime(id, buf)
	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := d.DecodeFloat64()
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	default:
		sec, err := d.DecodeInt64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).UTC(), nil
	}
}

func extTime(id int8, b []byte) (time.Time, error) {
	switch {
	case id == extEventTime && len(b) == 8:
		sec := binary.BigEndian.Uint32(b[:4])
		nsec := binary.BigEndian.Uint32(b[4:])
		return time.Unix(int64(sec), int64(nsec)).UTC(), nil
	case id == extTimestamp && len(b) == 4:
		return time.Unix(int64(binary.BigEndian.Uint32(b)), 0).UTC(), nil
	case id == extTimestamp && len(b) == 8:
		v := binary.BigEndian.Uint64(b)
		return time.Unix(int64(v&0x3ffffffff), int64(v>>34)).UTC(), nil
	case id == extTimestamp && len(b) == 12:
		nsec := binary.BigEndian.Uint32(b[:4])
		sec := int64(binary.BigEndian.Uint64(b[4:]))
		return time.Unix(sec, int64(nsec)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time extension %d with length %d", id, len(b))
}

func decodeMap(d *msgpack.Decoder) (Map, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return Map{}, nil
	}
	m := make(Map, 0, n)
	for i := 0; i < n; i++ {
		key, err := decodeKey(d)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(d)
		if err != nil {
			return nil, err
		}
		m = append(m, Field{Key: key, Value: v})
	}
	return m, nil
}

// decodeKey accepts str and bin keys; keys of any other type are kept in
// their textual form, or empty when they have none.
func decodeKey(d *msgpack.Decoder) (string, error) {
	c, err := d.PeekCode()
	if err != nil {
		return "", err
	}
	if msgpcode.IsString(c) || msgpcode.IsBin(c) {
		return d.DecodeString()
	}
	v, err := decodeValue(d)
	if err != nil {
		return "", err
	}
	s, _ := v.Text()
	return s, nil
}

func decodeValue(d *msgpack.Decoder) (Value, error) {
	c, err := d.PeekCode()
	if err != nil {
		return Value{}, err
	}
	switch {
	case isMap(c):
		m, err := decodeMap(d)
		if err != nil {
			return Value{}, err
		}
		return MapValue(m), nil
	case isArray(c):
		n, err := d.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		a := make([]Value, 0, max(n, 0))
		for i := 0; i < n; i++ {
			v, err := decodeValue(d)
			if err != nil {
				return Value{}, err
			}
			a = append(a, v)
		}
		return ArrayValue(a), nil
	case msgpcode.IsExt(c):
		_, length, err := d.DecodeExtHeader()
		if err != nil {
			return Value{}, err
		}
		buf := make([]byte, length)
		if err := d.ReadFull(buf); err != nil {
			return Value{}, err
		}
		return Binary(buf), nil
	}
	v, err := d.DecodeInterfaceLoose()
	if err != nil {
		return Value{}, err
	}
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case int64:
		return Int(v), nil
	case uint64:
		return Uint(v), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Binary(v), nil
	}
	return Value{}, fmt.Errorf("unexpected value type %T", v)
}

func skipN(d *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		if err := d.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}
