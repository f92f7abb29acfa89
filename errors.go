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
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when a batch holds no records.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrIncompleteResponse is returned when Elasticsearch answered with
	// an empty body.
	ErrIncompleteResponse = errors.New("incomplete response")

	// ErrRejected is returned when the bulk response reports row errors
	// or cannot be interpreted.
	ErrRejected = errors.New("bulk request rejected")
)

// Result is the terminal outcome of a flush.
type Result int

const (
	// ResultOK means every document was accepted.
	ResultOK Result = iota
	// ResultRetry means the whole batch should be submitted again.
	ResultRetry
	// ResultError means the batch cannot be delivered as is.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRetry:
		return "retry"
	case ResultError:
		return "error"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ErrorKind classifies flush failures.
type ErrorKind int

const (
	// KindMalformedInput: the batch cannot be encoded.
	KindMalformedInput ErrorKind = iota + 1
	// KindResourceExhausted: the request body could not be allocated.
	KindResourceExhausted
	// KindTransientNetwork: connection, transport or HTTP status failure,
	// or an empty response.
	KindTransientNetwork
	// KindBackendRejected: Elasticsearch reported row errors, or returned
	// a body that could not be interpreted.
	KindBackendRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed input"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindTransientNetwork:
		return "transient network error"
	case KindBackendRejected:
		return "backend rejected"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Retryable reports whether a batch failing with this kind may succeed
// when submitted again unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetwork || k == KindBackendRejected
}

// FlushError describes a failed flush.
type FlushError struct {
	Kind ErrorKind

	// StatusCode holds the HTTP status of the bulk response, if one was
	// received.
	StatusCode int

	Err error
}

func (e *FlushError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("flush failed (%d): %s: %v", e.StatusCode, e.Kind, e.Err)
	}
	return fmt.Sprintf("flush failed: %s: %v", e.Kind, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// result maps the error to the flush outcome reported to callers.
func (e *FlushError) result() Result {
	if e.Kind.Retryable() {
		return ResultRetry
	}
	return ResultError
}
