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
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/elastic/go-esoutput/esapi"
)

// Connection is a connection to Elasticsearch leased from a ConnectionPool.
type Connection interface {
	esapi.Transport

	// Release returns the connection to its pool. Calls after the first
	// have no effect.
	Release()
}

// ConnectionPool hands out connections to Elasticsearch.
type ConnectionPool interface {
	// Acquire blocks until a connection is available or ctx is done.
	Acquire(ctx context.Context) (Connection, error)
}

// ClientPool is a ConnectionPool sharing a single client, such as
// *elasticsearch.Client, between a bounded number of concurrent requests.
type ClientPool struct {
	transport esapi.Transport
	sem       *semaphore.Weighted
}

// NewClientPool returns a ClientPool allowing up to maxConns requests in
// flight through transport.
func NewClientPool(transport esapi.Transport, maxConns int) (*ClientPool, error) {
	if transport == nil {
		return nil, errors.New("client is nil")
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxRequests
	}
	return &ClientPool{
		transport: transport,
		sem:       semaphore.NewWeighted(int64(maxConns)),
	}, nil
}

// Acquire implements ConnectionPool.
func (p *ClientPool) Acquire(ctx context.Context) (Connection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &clientConn{pool: p}, nil
}

type clientConn struct {
	pool    *ClientPool
	release sync.Once
}

func (c *clientConn) Perform(req *http.Request) (*http.Response, error) {
	return c.pool.transport.Perform(req)
}

func (c *clientConn) Release() {
	c.release.Do(func() { c.pool.sem.Release(1) })
}
