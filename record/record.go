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

// Package record holds the schema-less record model consumed by esoutput:
// timestamped, ordered field maps whose values form a tree of scalars,
// maps and arrays.
package record

import (
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBinary
	KindMap
	KindArray
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindString: "string",
	KindBinary: "binary",
	KindMap:    "map",
	KindArray:  "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged union over the record value types. The zero Value is
// null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	bin  []byte
	m    Map
	a    []Value
}

// Field is a single key/value pair of a Map.
type Field struct {
	Key   string
	Value Value
}

// Map is an ordered mapping of string keys to values. Lookups are linear;
// record maps are small and order must be preserved on output.
type Map []Field

// Record is one timestamped entry of a Batch.
type Record struct {
	Time   time.Time
	Fields Map
}

// Batch is a bundle of records delivered together, all sharing the tag of
// the source that produced them.
type Batch struct {
	Tag     string
	Records []Record
}

func Null() Value                { return Value{} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Uint(u uint64) Value        { return Value{kind: KindUint, u: u} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Binary(b []byte) Value      { return Value{kind: KindBinary, bin: b} }
func MapValue(m Map) Value       { return Value{kind: KindMap, m: m} }
func ArrayValue(a []Value) Value { return Value{kind: KindArray, a: a} }

func (v Value) Kind() Kind          { return v.kind }
func (v Value) IsNull() bool        { return v.kind == KindNull }
func (v Value) BoolValue() bool     { return v.b }
func (v Value) IntValue() int64     { return v.i }
func (v Value) UintValue() uint64   { return v.u }
func (v Value) FloatValue() float64 { return v.f }
func (v Value) StringValue() string { return v.s }
func (v Value) BinaryValue() []byte { return v.bin }
func (v Value) MapValue() Map       { return v.m }
func (v Value) ArrayValue() []Value { return v.a }

// Text returns the textual form of scalar values, and false for null, maps
// and arrays.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindBinary:
		return string(v.bin), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindUint:
		return strconv.FormatUint(v.u, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	}
	return "", false
}

// Get returns the value of the first field named key.
func (m Map) Get(key string) (Value, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}
