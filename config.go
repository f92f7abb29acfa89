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
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultIndex              = "fluent-bit"
	DefaultType               = "_doc"
	DefaultLogstashPrefix     = "logstash"
	DefaultLogstashDateFormat = "%Y.%m.%d"
	DefaultTimeKey            = "@timestamp"
	DefaultTimeKeyFormat      = "%Y-%m-%dT%H:%M:%S"
	DefaultTagKey             = "flb-key"
	DefaultBufferSize         = 512 * 1024
	DefaultMaxRequests        = 10
	DefaultMaxTotalRequests   = 50
)

// IDMode selects how document ids are assigned.
type IDMode int

const (
	// IDModeOff leaves id assignment to Elasticsearch. Retried batches
	// may produce duplicate documents.
	IDModeOff IDMode = iota

	// IDModeHash derives the id from a hash of the serialized document,
	// so that a retried document overwrites its previous copy.
	IDModeHash

	// IDModeTemplate builds the id from Config.IDTemplate.
	IDModeTemplate
)

func (m IDMode) String() string {
	switch m {
	case IDModeOff:
		return "off"
	case IDModeHash:
		return "hash"
	case IDModeTemplate:
		return "template"
	}
	return fmt.Sprintf("IDMode(%d)", int(m))
}

// ParseIDMode parses "off", "hash" or "template".
func ParseIDMode(s string) (IDMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "false":
		return IDModeOff, nil
	case "hash":
		return IDModeHash, nil
	case "template":
		return IDModeTemplate, nil
	}
	return IDModeOff, fmt.Errorf("unknown id mode %q", s)
}

// Config holds configuration for Output.
//
// A Config is copied by New and must not be modified by the caller
// afterwards; the copy is shared read-only by concurrent flushes.
type Config struct {
	// Logger holds an optional Logger to use for logging bulk requests.
	//
	// Elasticsearch row errors are logged at error level, grouped by
	// index and error type.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each flush is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider, used to start a
	// span for each flush. It may be combined with Tracer.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record output metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Index holds the index name. It may contain strftime conversions,
	// which are expanded with the record time.
	//
	// If Index is empty, "fluent-bit" is used.
	Index string

	// Type holds the document type sent in the action line.
	//
	// If Type is empty, "_doc" is used.
	Type string

	// SuppressTypeName removes the _type field from action lines, as
	// required by Elasticsearch 8 and later.
	SuppressTypeName bool

	// LogstashFormat enables index names of the form
	// <LogstashPrefix>-<LogstashDateFormat>.
	LogstashFormat bool

	// LogstashPrefix is the static index prefix used with LogstashFormat.
	LogstashPrefix string

	// LogstashPrefixKey is a record accessor, e.g. $kubernetes['namespace'],
	// whose value replaces LogstashPrefix for each record. Values longer
	// than 128 bytes are truncated to 128 bytes; a multi-byte character
	// split by the cut is written to the index name as U+FFFD. When the key
	// is absent LogstashPrefix is used.
	LogstashPrefixKey string

	// LogstashDateFormat is the strftime format of the index date suffix.
	LogstashDateFormat string

	// TimeKey is the name of the time field added to every document.
	TimeKey string

	// OmitTimeKey disables the time field.
	OmitTimeKey bool

	// TimeKeyFormat is the strftime format of the time field. Fractional
	// seconds and a trailing "Z" are always appended.
	TimeKeyFormat string

	// TimeKeyNanos selects nanosecond instead of millisecond precision for
	// the time field.
	TimeKeyNanos bool

	// IncludeTagKey adds the batch tag to every document under TagKey.
	IncludeTagKey bool

	// TagKey is the field name used by IncludeTagKey.
	TagKey string

	// ReplaceDots replaces '.' with '_' in every field name.
	ReplaceDots bool

	// IDMode selects document id assignment. Setting IDTemplate while
	// IDMode is IDModeOff implies IDModeTemplate.
	IDMode IDMode

	// IDTemplate holds the template used by IDModeTemplate. $[name] is
	// replaced with the top-level string field matching name, compared
	// case-insensitively.
	IDTemplate string

	// CurrentTimeIndex uses the flush time instead of the record time for
	// index names, guarding against clients with skewed clocks creating
	// many indices.
	CurrentTimeIndex bool

	// Path holds an optional prefix for the bulk endpoint path, for
	// Elasticsearch served behind a reverse proxy.
	Path string

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Host holds the value of the Host header. It is required when Signer
	// is set, and is filled from CloudID when that is set.
	Host string

	// Username and Password hold basic authentication credentials.
	Username string
	Password string

	// CloudID holds an Elastic Cloud deployment ID, used to derive Host.
	CloudID string

	// CloudAuth holds "user:password" credentials for Elastic Cloud,
	// used when Username is empty.
	CloudAuth string

	// Signer holds an optional request signer, invoked after the request
	// body and Host header are final.
	Signer Signer

	// BufferSize limits the number of response bytes read. Larger
	// responses are truncated before classification.
	//
	// If BufferSize is zero, the default of 512KiB is used. If negative,
	// the response is read in full.
	BufferSize int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// MaxRequests holds the maximum number of request buffers kept per tag.
	// Flushes beyond the limit wait for a buffer to be released.
	//
	// If MaxRequests is less than or equal to zero, the default of 10 will be used.
	MaxRequests int

	// MaxTotalRequests holds the maximum number of request buffers kept
	// across all tags. Each tag is always guaranteed one buffer.
	//
	// If MaxTotalRequests is less than MaxRequests, the larger of
	// MaxRequests and the default of 50 is used.
	MaxTotalRequests int

	// FlushTimeout holds the flush timeout as a duration. It bounds the
	// whole flush and is also sent as the bulk request timeout parameter.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// TraceOutput emits every bulk request body to DiagnosticSink.
	TraceOutput bool

	// TraceError emits the request body and the response of rejected
	// requests to DiagnosticSink.
	TraceError bool

	// DiagnosticSink receives traced payloads. If nil, traces are
	// discarded.
	DiagnosticSink DiagnosticSink

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time
}

// DefaultConfig returns a copy of cfg with defaults applied.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Type == "" {
		cfg.Type = DefaultType
	}
	if cfg.LogstashPrefix == "" {
		cfg.LogstashPrefix = DefaultLogstashPrefix
	}
	if cfg.LogstashDateFormat == "" {
		cfg.LogstashDateFormat = DefaultLogstashDateFormat
	}
	if cfg.TimeKey == "" {
		cfg.TimeKey = DefaultTimeKey
	}
	if cfg.TimeKeyFormat == "" {
		cfg.TimeKeyFormat = DefaultTimeKeyFormat
	}
	if cfg.TagKey == "" {
		cfg.TagKey = DefaultTagKey
	}
	if cfg.IDMode == IDModeOff && cfg.IDTemplate != "" {
		cfg.IDMode = IDModeTemplate
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.MaxTotalRequests < cfg.MaxRequests {
		cfg.MaxTotalRequests = max(cfg.MaxRequests, DefaultMaxTotalRequests)
	}
	if cfg.Host == "" && cfg.CloudID != "" {
		// Invalid cloud IDs are reported by Validate.
		cfg.Host, _ = ParseCloudID(cfg.CloudID)
	}
	if cfg.Username == "" && cfg.CloudAuth != "" {
		cfg.Username, cfg.Password, _ = strings.Cut(cfg.CloudAuth, ":")
	}
	if cfg.DiagnosticSink == nil {
		cfg.DiagnosticSink = nopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// Validate checks the configuration, returning all problems found.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		))
	}
	switch cfg.IDMode {
	case IDModeOff:
	case IDModeHash:
		if cfg.IDTemplate != "" {
			errs = append(errs, errors.New("IDTemplate cannot be combined with hash id mode"))
		}
	case IDModeTemplate:
		if cfg.IDTemplate == "" {
			errs = append(errs, errors.New("template id mode requires IDTemplate"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid id mode %s", cfg.IDMode))
	}
	if cfg.CloudID != "" {
		if _, err := ParseCloudID(cfg.CloudID); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Signer != nil && cfg.Host == "" && cfg.CloudID == "" {
		errs = append(errs, errors.New("Signer requires Host"))
	}
	if _, err := newIndexResolver(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := newTimeFormatter(cfg.TimeKeyFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid TimeKeyFormat: %w", err))
	}
	return errors.Join(errs...)
}
