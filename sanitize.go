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
	"strings"

	"github.com/elastic/go-esoutput/record"
)

// SanitizeKey returns key with every '.' replaced by '_' when replaceDots is
// set, and key unchanged otherwise. Elasticsearch 2.0 to 2.3 reject field
// names containing dots.
func SanitizeKey(key string, replaceDots bool) string {
	if !replaceDots {
		return key
	}
	return strings.ReplaceAll(key, ".", "_")
}

// Transcode returns m with every key, at any depth, passed through
// SanitizeKey. Scalars are shared with m, which is never modified.
func Transcode(m record.Map, replaceDots bool) record.Map {
	if !replaceDots {
		return m
	}
	return transcodeMap(m)
}

func transcodeMap(m record.Map) record.Map {
	out := make(record.Map, len(m))
	for i, f := range m {
		out[i] = record.Field{
			Key:   SanitizeKey(f.Key, true),
			Value: transcodeValue(f.Value),
		}
	}
	return out
}

func transcodeArray(a []record.Value) []record.Value {
	out := make([]record.Value, len(a))
	for i, v := range a {
		out[i] = transcodeValue(v)
	}
	return out
}

func transcodeValue(v record.Value) record.Value {
	switch v.Kind() {
	case record.KindMap:
		return record.MapValue(transcodeMap(v.MapValue()))
	case record.KindArray:
		return record.ArrayValue(transcodeArray(v.ArrayValue()))
	}
	return v
}
