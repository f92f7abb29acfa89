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
	"io"
	"sync"
)

// Names passed to DiagnosticSink.Emit.
const (
	DiagnosticRequest  = "request"
	DiagnosticResponse = "response"
)

// DiagnosticSink receives raw bulk payloads when Config.TraceOutput or
// Config.TraceError is set. Emit may be called concurrently and must not
// retain payload.
type DiagnosticSink interface {
	Emit(name string, payload []byte)
}

type nopSink struct{}

func (nopSink) Emit(string, []byte) {}

// WriterSink writes each payload to w, preceded by its name.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements DiagnosticSink. Write errors are ignored.
func (s *WriterSink) Emit(name string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, "["+name+"]\n")
	s.w.Write(payload)
	if n := len(payload); n == 0 || payload[n-1] != '\n' {
		io.WriteString(s.w, "\n")
	}
}
