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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/go-esoutput"
	"github.com/elastic/go-esoutput/record"
)

const maxRetryBackoff = 30 * time.Second

// flusher is implemented by *esoutput.Output.
type flusher interface {
	Flush(context.Context, record.Batch) (esoutput.Result, error)
}

func run(ctx context.Context, logger *zap.Logger, opts options, files []string) error {
	cfg, err := opts.outputConfig(ctx, logger)
	if err != nil {
		return err
	}
	client, err := opts.newClient()
	if err != nil {
		return fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	pool, err := esoutput.NewClientPool(client, opts.Workers)
	if err != nil {
		return err
	}
	out, err := esoutput.New(pool, cfg)
	if err != nil {
		return err
	}
	return index(ctx, logger, out, opts, files)
}

// index flushes the records of files, running up to opts.Workers flushes
// at once. Batches that cannot be delivered are logged and counted; index
// fails once every batch has been attempted if any was dropped.
func index(ctx context.Context, logger *zap.Logger, out flusher, opts options, files []string) error {
	var dropped, indexed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	var readErr error
	for _, name := range files {
		batches, err := readBatches(name, opts.Tag, opts.BatchSize)
		if err != nil {
			readErr = err
			break
		}
		for _, batch := range batches {
			g.Go(func() error {
				ok, err := flushWithRetry(ctx, logger, out, batch, opts.RetryLimit, opts.RetryBackoff)
				if ok {
					indexed.Add(int64(len(batch.Records)))
				} else {
					dropped.Add(int64(len(batch.Records)))
				}
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	logger.Info("indexing finished",
		zap.Int64("indexed", indexed.Load()),
		zap.Int64("dropped", dropped.Load()),
	)
	if n := dropped.Load(); n > 0 {
		return fmt.Errorf("%d records were not indexed", n)
	}
	return nil
}

// flushWithRetry flushes batch until it is accepted, rejected for good, or
// the retry limit is reached. An error is returned only when ctx is done.
func flushWithRetry(ctx context.Context, logger *zap.Logger, out flusher, batch record.Batch, limit int, backoff time.Duration) (bool, error) {
	for attempt := 0; ; attempt++ {
		result, err := out.Flush(ctx, batch)
		switch result {
		case esoutput.ResultOK:
			return true, nil
		case esoutput.ResultError:
			logger.Error("dropping batch", zap.Error(err), zap.String("tag", batch.Tag))
			return false, nil
		}
		if limit >= 0 && attempt >= limit {
			logger.Error("dropping batch after retries",
				zap.Error(err),
				zap.String("tag", batch.Tag),
				zap.Int("attempts", attempt+1),
			)
			return false, nil
		}
		delay := maxRetryBackoff
		if attempt < 16 {
			delay = min(backoff<<attempt, maxRetryBackoff)
		}
		logger.Warn("retrying batch", zap.Error(err), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// readBatches decodes the msgpack chunk held in the file name, "-" meaning
// standard input, and splits it into batches of at most size records.
func readBatches(name, tag string, size int) ([]record.Batch, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = filepath.Base(name)
	}
	b, err := record.Decode(tag, data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", name, err)
	}
	return splitBatch(b, size), nil
}

func splitBatch(b record.Batch, size int) []record.Batch {
	var batches []record.Batch
	for len(b.Records) > 0 {
		n := min(size, len(b.Records))
		batches = append(batches, record.Batch{Tag: b.Tag, Records: b.Records[:n:n]})
		b.Records = b.Records[n:]
	}
	return batches
}
