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
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-esoutput/record"
)

// recordAccessor resolves a field path such as $kubernetes['labels']['app']
// or $items[0] against a record. The special path $TAG resolves to the batch
// tag.
type recordAccessor struct {
	tag  bool
	path []accessorSegment
}

type accessorSegment struct {
	key   string
	index int // used when key is empty
}

func parseRecordAccessor(pattern string) (*recordAccessor, error) {
	p := strings.TrimPrefix(strings.TrimSpace(pattern), "$")
	if p == "TAG" {
		return &recordAccessor{tag: true}, nil
	}
	name, rest, _ := strings.Cut(p, "[")
	if name == "" {
		return nil, fmt.Errorf("invalid record accessor %q: missing key", pattern)
	}
	ra := &recordAccessor{path: []accessorSegment{{key: name}}}
	if rest == "" {
		return ra, nil
	}
	rest = "[" + rest
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("invalid record accessor %q: expected '['", pattern)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("invalid record accessor %q: missing ']'", pattern)
		}
		inner := rest[1:end]
		rest = rest[end+1:]
		switch {
		case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
			key := inner[1 : len(inner)-1]
			if key == "" {
				return nil, fmt.Errorf("invalid record accessor %q: empty key", pattern)
			}
			ra.path = append(ra.path, accessorSegment{key: key})
		default:
			i, err := strconv.Atoi(inner)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("invalid record accessor %q: bad subscript %q", pattern, inner)
			}
			ra.path = append(ra.path, accessorSegment{index: i})
		}
	}
	return ra, nil
}

// lookup returns the textual value found at the accessor path. Maps,
// arrays, nulls and missing fields are reported as not found.
func (ra *recordAccessor) lookup(fields record.Map, tag string) (string, bool) {
	if ra.tag {
		return tag, true
	}
	v, ok := fields.Get(ra.path[0].key)
	if !ok {
		return "", false
	}
	for _, seg := range ra.path[1:] {
		switch {
		case seg.key != "" && v.Kind() == record.KindMap:
			if v, ok = v.MapValue().Get(seg.key); !ok {
				return "", false
			}
		case seg.key == "" && v.Kind() == record.KindArray:
			a := v.ArrayValue()
			if seg.index >= len(a) {
				return "", false
			}
			v = a[seg.index]
		default:
			return "", false
		}
	}
	return v.Text()
}
