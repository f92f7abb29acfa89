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
	"sync"
	"sync/atomic"
)

// BuilderPool leases BulkBuilders to concurrent flushes, keyed by batch tag.
//
// A minimum number of builders is guaranteed per tag, and at most max builders
// are leased per tag. Beyond the guarantee, no more than total builders are
// leased overall, so one busy tag cannot starve the others.
type BuilderPool struct {
	builders chan *BulkBuilder
	entries  map[string]*tagEntry
	mu       sync.Mutex
	cond     *sync.Cond   // To wait/signal when a slot is available.
	leased   atomic.Int64 // Total number of leased builders across all tags.

	// Read only fields.
	min, max, total int64
	enc             *encoder
}

type tagEntry struct {
	count int64
}

func newBuilderPool(guaranteed, max, total int, enc *encoder) *BuilderPool {
	p := &BuilderPool{
		builders: make(chan *BulkBuilder, total),
		entries:  make(map[string]*tagEntry),
		min:      int64(guaranteed),
		max:      int64(max),
		total:    int64(total),
		enc:      enc,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Get leases an empty BulkBuilder for tag, reusing a released one when
// possible. If the tag or the pool is at its limit, Get blocks until a
// builder is released or ctx is done.
func (p *BuilderPool) Get(ctx context.Context, tag string) (*BulkBuilder, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	var entry *tagEntry
	for {
		// Look the entry up again after waiting: Put drops idle tags.
		var ok bool
		if entry, ok = p.entries[tag]; !ok {
			entry = &tagEntry{}
			p.entries[tag] = entry
		}
		// The guaranteed builders are dispensed regardless of the overall
		// limit.
		if entry.count < p.min || (entry.count < p.max && p.leased.Load() < p.total) {
			break
		}
		if err := ctx.Err(); err != nil {
			if entry.count == 0 {
				delete(p.entries, tag)
			}
			p.mu.Unlock()
			return nil, err
		}
		p.cond.Wait()
	}
	entry.count++
	p.leased.Add(1)
	p.mu.Unlock()

	select {
	case b := <-p.builders:
		return b, nil
	default:
		return newBulkBuilder(p.enc), nil
	}
}

// Put resets b and returns it to the pool. No reference to b may be kept
// after calling Put.
func (p *BuilderPool) Put(tag string, b *BulkBuilder) {
	if b == nil {
		return
	}
	b.Reset()
	p.mu.Lock()
	if entry, ok := p.entries[tag]; ok {
		entry.count--
		if entry.count == 0 {
			// Forget idle tags so that the map does not grow with every tag
			// ever seen.
			delete(p.entries, tag)
		}
	}
	p.leased.Add(-1)
	p.mu.Unlock()
	// Wake all waiters: the released slot may only be usable by a waiter of
	// this tag.
	p.cond.Broadcast()

	select {
	case p.builders <- b: // Return to the pool for later reuse.
	default: // If the pool is full, discard the builder.
	}
}

// Leased returns the number of builders currently leased.
func (p *BuilderPool) Leased() int64 {
	return p.leased.Load()
}

func (p *BuilderPool) count(tag string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[tag]; ok {
		return entry.count
	}
	return 0
}
