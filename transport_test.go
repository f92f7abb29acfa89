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
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Perform(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestClientPoolLimit(t *testing.T) {
	var inflight, peak atomic.Int64
	unblock := make(chan struct{})
	transport := transportFunc(func(*http.Request) (*http.Response, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-unblock
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	pool, err := NewClientPool(transport, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Release()
			conn.Perform(&http.Request{})
		}()
	}
	assert.Eventually(t, func() bool { return inflight.Load() == 2 }, time.Second, time.Millisecond)
	close(unblock)
	wg.Wait()
	assert.Equal(t, int64(2), peak.Load())
}

func TestClientPoolAcquireContext(t *testing.T) {
	pool, err := NewClientPool(transportFunc(nil), 1)
	require.NoError(t, err)

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Releasing twice frees a single slot.
	conn.Release()
	conn.Release()
	conn, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.Error(t, err)
	conn.Release()
}

func TestNewClientPoolNil(t *testing.T) {
	_, err := NewClientPool(nil, 1)
	assert.Error(t, err)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	sink.Emit(DiagnosticRequest, []byte("{\"index\":{}}\n{}\n"))
	sink.Emit(DiagnosticResponse, []byte(`{"errors":true}`))
	assert.Equal(t, "[request]\n{\"index\":{}}\n{}\n[response]\n{\"errors\":true}\n", buf.String())
}
