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
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elastic/go-esoutput/esapi"
	"github.com/elastic/go-esoutput/record"
)

// Output delivers batches of records to Elasticsearch, one bulk request per
// batch.
//
// Flush may be called concurrently. Each call leases its own connection and
// request buffer, and shares only the read-only configuration with others.
// Output starts no goroutines and keeps no state between flushes; retrying a
// batch is left to the caller.
type Output struct {
	config   Config
	pool     ConnectionPool
	enc      *encoder
	builders *BuilderPool
	metrics  metrics

	// tracer is an OTel tracer, and should not be confused with `o.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// New returns a new Output sending bulk requests through connections from
// pool.
func New(pool ConnectionPool, cfg Config) (*Output, error) {
	if pool == nil {
		return nil, errors.New("connection pool is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	enc, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	o := &Output{
		config:   cfg,
		pool:     pool,
		enc:      enc,
		builders: newBuilderPool(1, cfg.MaxRequests, cfg.MaxTotalRequests, enc),
		metrics:  ms,
	}
	if cfg.TracerProvider != nil {
		o.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-esoutput.output")
	}
	return o, nil
}

// Flush encodes batch into a single bulk request, sends it and classifies
// the response.
//
// ResultOK is returned with a nil error. Otherwise the error is a
// *FlushError: ResultRetry means the whole batch may be submitted again,
// ResultError means it never will be accepted as is.
func (o *Output) Flush(ctx context.Context, batch record.Batch) (Result, error) {
	n := len(batch.Records)
	logger := o.config.Logger.With(zap.String("tag", batch.Tag))

	var tx *apm.Transaction
	if o.tracingEnabled() {
		tx = o.config.Tracer.StartTransaction("esoutput.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if o.otelTracingEnabled() {
		ctx, span = o.tracer.Start(ctx, "esoutput.flush", trace.WithAttributes(
			attribute.Int("documents", n),
			attribute.String("tag", batch.Tag),
		))
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	if o.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.FlushTimeout)
		defer cancel()
	}

	attrs := metric.WithAttributeSet(o.config.MetricAttributes)
	o.metrics.docsAdded.Add(context.Background(), int64(n), attrs)

	var err error
	took := timeFunc(func() {
		err = o.flush(ctx, logger, span, batch)
	})
	result := ResultOK
	if err != nil {
		var flushErr *FlushError
		if !errors.As(err, &flushErr) {
			flushErr = &FlushError{Kind: KindTransientNetwork, Err: err}
			err = flushErr
		}
		result = flushErr.result()
	}

	if tx != nil {
		tx.Outcome = "success"
		if err != nil {
			tx.Outcome = "failure"
		}
	}
	o.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	o.metrics.bulkRequests.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("outcome", result.String())),
	)
	if err != nil {
		logger.Error("bulk indexing request failed",
			zap.Error(err),
			zap.Stringer("result", result),
			zap.Int("documents", n),
		)
		if o.tracingEnabled() {
			apm.CaptureError(ctx, err).Send()
		}
		if o.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		return result, err
	}
	if o.otelTracingEnabled() && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	return result, nil
}

func (o *Output) flush(ctx context.Context, logger *zap.Logger, span trace.Span, batch record.Batch) error {
	n := int64(len(batch.Records))
	now := o.config.Clock()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return &FlushError{
			Kind: KindTransientNetwork,
			Err:  fmt.Errorf("failed to acquire connection: %w", err),
		}
	}
	defer conn.Release()

	b, err := o.builders.Get(ctx, batch.Tag)
	if err != nil {
		return &FlushError{
			Kind: KindTransientNetwork,
			Err:  fmt.Errorf("failed to get bulk request buffer: %w", err),
		}
	}
	attrs := metric.WithAttributeSet(o.config.MetricAttributes)
	o.metrics.buildersLeased.Add(context.Background(), 1, attrs)
	defer func() {
		o.builders.Put(batch.Tag, b)
		o.metrics.buildersLeased.Add(context.Background(), -1, attrs)
	}()

	if err := b.Build(batch, now); err != nil {
		return err
	}
	if o.config.TraceOutput {
		o.config.DiagnosticSink.Emit(DiagnosticRequest, b.Bytes())
	}

	body := b.Bytes()
	header := make(http.Header)
	if o.enc.compressionLevel != gzip.NoCompression {
		if body, err = b.compressed(); err != nil {
			return &FlushError{Kind: KindResourceExhausted, Err: err}
		}
		header.Set("Content-Encoding", "gzip")
	}

	req, err := o.newRequest(ctx, body, header)
	if err != nil {
		return &FlushError{Kind: KindMalformedInput, Err: err}
	}
	if o.config.Signer != nil {
		signed, err := o.config.Signer.Sign(ctx, req, body)
		if err != nil {
			return &FlushError{
				Kind: KindTransientNetwork,
				Err:  fmt.Errorf("could not sign request: %w", err),
			}
		}
		for k, v := range signed {
			req.Header[k] = v
		}
	}

	res, err := conn.Perform(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.metrics.docsIndexed.Add(context.Background(), n, attrs,
				metric.WithAttributes(attribute.String("status", "Timeout")),
			)
		}
		return &FlushError{
			Kind: KindTransientNetwork,
			Err:  fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer func() {
		// Discard anything BufferSize left unread, so the connection can
		// be reused.
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()

	// Record the flushed bytes only when err == nil. The body may not have
	// been sent otherwise.
	o.metrics.bytesTotal.Add(context.Background(), int64(len(body)), attrs)
	o.metrics.bytesUncompressedTotal.Add(context.Background(), int64(b.Len()), attrs)

	var reader io.Reader = res.Body
	if o.config.BufferSize > 0 {
		reader = io.LimitReader(res.Body, int64(o.config.BufferSize))
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return &FlushError{
			Kind:       KindTransientNetwork,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("failed to read response: %w", err),
		}
	}

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		o.traceError(b.Bytes(), payload)
		status := "FailedServer"
		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			status = "TooMany"
		case res.StatusCode < 500:
			status = "FailedClient"
		}
		o.metrics.docsIndexed.Add(context.Background(), n, attrs,
			metric.WithAttributes(
				attribute.String("status", status),
				semconv.HTTPResponseStatusCode(res.StatusCode),
			),
		)
		return &FlushError{
			Kind:       KindTransientNetwork,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", bytes.TrimSpace(payload)),
		}
	}
	if len(payload) == 0 {
		return &FlushError{
			Kind:       KindTransientNetwork,
			StatusCode: res.StatusCode,
			Err:        ErrIncompleteResponse,
		}
	}

	if err := ClassifyResponse(payload); err != nil {
		o.traceError(b.Bytes(), payload)
		o.reportFailedItems(ctx, logger, span, payload)
		return &FlushError{
			Kind:       KindBackendRejected,
			StatusCode: res.StatusCode,
			Err:        err,
		}
	}

	o.metrics.docsIndexed.Add(context.Background(), n, attrs,
		metric.WithAttributes(attribute.String("status", "Success")),
	)
	logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", n),
		zap.Int("bytes", len(body)),
	)
	return nil
}

func (o *Output) newRequest(ctx context.Context, body []byte, header http.Header) (*http.Request, error) {
	host := o.config.Host
	if o.config.Signer != nil {
		host = hostWithoutPort(host)
	}
	req, err := esapi.BulkRequest{
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
		Path:          o.config.Path,
		Pipeline:      o.config.Pipeline,
		Timeout:       o.config.FlushTimeout,
		Host:          host,
		Header:        header,
	}.NewHTTPRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk request: %w", err)
	}
	if o.config.Username != "" {
		req.SetBasicAuth(o.config.Username, o.config.Password)
	}
	return req, nil
}

// reportFailedItems logs the failed items of a rejected response, grouped by
// index and error, and records them in metrics.
func (o *Output) reportFailedItems(ctx context.Context, logger *zap.Logger, span trace.Span, payload []byte) {
	stat, err := decodeBulkItems(payload)
	if err != nil {
		logger.Error("bulk request rejected", zap.ByteString("response", payload))
		return
	}
	var tooManyRequests, clientFailed, serverFailed int64
	failedCount := make(map[bulkResponseItem]int, len(stat.FailedDocs))
	for _, info := range stat.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		failedCount[info]++
		if o.tracingEnabled() {
			apm.CaptureError(ctx, errors.New(info.Error.Reason)).Send()
		}
		if o.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(errors.New(info.Error.Reason))
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.Index, key.Error.Type, key.Error.Reason,
		), zap.Int("documents", count))
	}

	attrs := metric.WithAttributeSet(o.config.MetricAttributes)
	for status, count := range map[string]int64{
		"Success":      stat.Indexed,
		"TooMany":      tooManyRequests,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count > 0 {
			o.metrics.docsIndexed.Add(context.Background(), count, attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
	}
}

func (o *Output) traceError(request, response []byte) {
	if !o.config.TraceError {
		return
	}
	o.config.DiagnosticSink.Emit(DiagnosticRequest, request)
	o.config.DiagnosticSink.Emit(DiagnosticResponse, response)
}

// tracingEnabled checks whether we should be doing tracing
// using the Elastic APM tracer.
func (o *Output) tracingEnabled() bool {
	return o.config.Tracer != nil && o.config.Tracer.Recording()
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (o *Output) otelTracingEnabled() bool {
	return o.tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
