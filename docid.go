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
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/elastic/go-esoutput/record"
)

const documentIDSeed = 42

// hashDocumentID returns a UUID formatted MurmurHash3 x64 128 digest of doc.
// The digest is printed as eight little-endian 16-bit words, so the same
// document bytes always map to the same id.
func hashDocumentID(doc []byte) string {
	h1, h2 := murmur3.Sum128WithSeed(doc, documentIDSeed)
	return fmt.Sprintf("%04x%04x-%04x-%04x-%04x-%04x%04x%04x",
		uint16(h1), uint16(h1>>16), uint16(h1>>32), uint16(h1>>48),
		uint16(h2), uint16(h2>>16), uint16(h2>>32), uint16(h2>>48),
	)
}

// IDTemplate is a parsed document id template such as "$[user]-$[host]".
type IDTemplate struct {
	segments []idSegment
}

type idSegment struct {
	text        string
	placeholder bool
}

// ParseIDTemplate parses s into literal and $[field] segments. An
// unterminated "$[" is kept as literal text.
func ParseIDTemplate(s string) *IDTemplate {
	t := &IDTemplate{}
	for s != "" {
		start := strings.Index(s, "$[")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+2:], ']')
		if end < 0 {
			break
		}
		if start > 0 {
			t.segments = append(t.segments, idSegment{text: s[:start]})
		}
		t.segments = append(t.segments, idSegment{
			text:        s[start+2 : start+2+end],
			placeholder: true,
		})
		s = s[start+2+end+1:]
	}
	if s != "" {
		t.segments = append(t.segments, idSegment{text: s})
	}
	return t
}

// Resolve expands the template against the top-level fields of a record.
// Each placeholder takes the first string field whose key matches it
// case-insensitively; unmatched placeholders expand to nothing. Nested
// fields are not visited.
func (t *IDTemplate) Resolve(fields record.Map) string {
	var sb strings.Builder
	for _, seg := range t.segments {
		if !seg.placeholder {
			sb.WriteString(seg.text)
			continue
		}
		for _, f := range fields {
			if f.Value.Kind() == record.KindString && strings.EqualFold(f.Key, seg.text) {
				sb.WriteString(f.Value.StringValue())
				break
			}
		}
	}
	return sb.String()
}
