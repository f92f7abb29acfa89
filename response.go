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
	"fmt"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
)

// successMarker identifies a successful bulk response whose body could not
// be parsed, typically because it was truncated to BufferSize.
var successMarker = []byte(`"errors":false,"items":[`)

// ClassifyResponse interprets the body of a bulk response. It returns nil
// when Elasticsearch reports that every item succeeded.
//
// An empty body yields ErrIncompleteResponse. Any other failure, including
// row errors and bodies of an unexpected shape, wraps ErrRejected.
func ClassifyResponse(body []byte) error {
	if !jsoniter.Valid(body) {
		if len(body) == 0 {
			return ErrIncompleteResponse
		}
		if bytes.Contains(body, successMarker) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON response", ErrRejected)
	}

	iter := jsoniter.ConfigDefault.BorrowIterator(body)
	defer jsoniter.ConfigDefault.ReturnIterator(iter)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return fmt.Errorf("%w: response is not an object", ErrRejected)
	}
	var found, isBool, hasErrors bool
	iter.ReadObjectCB(func(i *jsoniter.Iterator, key string) bool {
		if key != "errors" {
			i.Skip()
			return true
		}
		found = true
		if i.WhatIsNext() == jsoniter.BoolValue {
			isBool = true
			hasErrors = i.ReadBool()
		}
		return false
	})
	switch {
	case !found:
		return fmt.Errorf("%w: response has no errors field", ErrRejected)
	case !isBool:
		return fmt.Errorf("%w: errors field is not a boolean", ErrRejected)
	case hasErrors:
		return fmt.Errorf("%w: response reports item errors", ErrRejected)
	}
	return nil
}

// bulkResponseStat summarises the items of a bulk response.
type bulkResponseStat struct {
	Indexed    int64
	FailedDocs []bulkResponseItem
}

// bulkResponseItem represents a failed Elasticsearch response item.
type bulkResponseItem struct {
	Index  string
	Status int
	Error  struct {
		Type   string
		Reason string
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("esoutput.bulkResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*bulkResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
					var item bulkResponseItem
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Drop the field value preview appended by
									// Elasticsearch mapping errors.
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					if item.Error.Type != "" || item.Status > 201 {
						stat.FailedDocs = append(stat.FailedDocs, item)
					} else {
						stat.Indexed++
					}
					return true
				})
			})
			return true
		})
	})
}

// decodeBulkItems extracts the per item outcome of a bulk response body.
func decodeBulkItems(body []byte) (bulkResponseStat, error) {
	var stat bulkResponseStat
	if err := jsoniter.Unmarshal(body, &stat); err != nil {
		return stat, fmt.Errorf("error decoding bulk response: %w", err)
	}
	return stat, nil
}
