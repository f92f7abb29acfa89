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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"

	"github.com/elastic/go-esoutput"
	"github.com/elastic/go-esoutput/esapi"
)

const envPrefix = "ESBULK"

type options struct {
	URLs      []string
	CloudID   string
	CloudAuth string
	User      string
	Password  string
	CACert    string
	Insecure  bool

	Index              string
	Type               string
	SuppressTypeName   bool
	LogstashFormat     bool
	LogstashPrefix     string
	LogstashPrefixKey  string
	LogstashDateFormat string
	TimeKey            string
	TimeKeyFormat      string
	TimeKeyNanos       bool
	OmitTimeKey        bool
	IncludeTagKey      bool
	TagKey             string
	ReplaceDots        bool
	IDMode             esoutput.IDMode
	IDTemplate         string
	CurrentTimeIndex   bool
	Path               string
	Pipeline           string
	BufferSize         int
	CompressionLevel   int

	AWSAuth        bool
	AWSRegion      string
	AWSProfile     string
	AWSRoleARN     string
	AWSExternalID  string
	AWSSTSEndpoint string
	AWSServiceName string

	Tag          string
	BatchSize    int
	Workers      int
	MaxRequests  int
	FlushTimeout time.Duration
	RetryLimit   int
	RetryBackoff time.Duration

	TraceOutput bool
	TraceError  bool
	APMTracing  bool
	LogLevel    zapcore.Level
}

func addFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path of a YAML, JSON or TOML file holding flag values")
	fs.StringSlice("url", []string{"http://127.0.0.1:9200"}, "Elasticsearch URL, may be repeated")
	fs.String("cloud-id", "", "Elastic Cloud deployment ID, replaces --url")
	fs.String("cloud-auth", "", "Elastic Cloud credentials as user:password")
	fs.String("user", "", "Basic authentication user")
	fs.String("password", "", "Basic authentication password")
	fs.String("ca-cert", "", "PEM file of the certificate authority to trust")
	fs.Bool("insecure", false, "Skip TLS certificate verification")

	fs.String("index", esoutput.DefaultIndex, "Index name, may contain strftime conversions")
	fs.String("type", esoutput.DefaultType, "Document type")
	fs.Bool("suppress-type-name", false, "Omit _type from action lines, required by Elasticsearch 8")
	fs.Bool("logstash-format", false, "Use <prefix>-<date> index names")
	fs.String("logstash-prefix", esoutput.DefaultLogstashPrefix, "Index prefix used with --logstash-format")
	fs.String("logstash-prefix-key", "", "Record accessor whose value replaces the index prefix")
	fs.String("logstash-dateformat", esoutput.DefaultLogstashDateFormat, "strftime format of the index date")
	fs.String("time-key", esoutput.DefaultTimeKey, "Name of the time field")
	fs.String("time-key-format", esoutput.DefaultTimeKeyFormat, "strftime format of the time field")
	fs.Bool("time-key-nanos", false, "Use nanosecond precision for the time field")
	fs.Bool("omit-time-key", false, "Do not add the time field")
	fs.Bool("include-tag-key", false, "Add the tag to every document")
	fs.String("tag-key", esoutput.DefaultTagKey, "Field name used by --include-tag-key")
	fs.Bool("replace-dots", false, "Replace dots in field names with underscores")
	fs.String("id-mode", "off", "Document id assignment: off, hash or template")
	fs.String("id-template", "", "Document id template, e.g. $[request_id]")
	fs.Bool("current-time-index", false, "Name indices after the current time instead of the record time")
	fs.String("path", "", "Path prefix of the bulk endpoint")
	fs.String("pipeline", "", "Ingest pipeline")
	fs.Int("buffer-size", esoutput.DefaultBufferSize, "Maximum response bytes read, -1 for unlimited")
	fs.Int("compression-level", 0, "gzip level of request bodies, 0 disables compression")

	fs.Bool("aws-auth", false, "Sign requests with AWS Signature Version 4")
	fs.String("aws-region", "", "AWS region of the domain")
	fs.String("aws-profile", "", "AWS shared config profile")
	fs.String("aws-role-arn", "", "ARN of a role to assume with STS")
	fs.String("aws-external-id", "", "External ID used when assuming --aws-role-arn")
	fs.String("aws-sts-endpoint", "", "Custom STS endpoint")
	fs.String("aws-service-name", esoutput.DefaultSigV4Service, "Service name used in signatures")

	fs.String("tag", "", "Tag of the records, defaults to the file name")
	fs.Int("batch-size", 1000, "Number of records per bulk request")
	fs.Int("workers", 2, "Number of concurrent bulk requests")
	fs.Int("max-requests", esoutput.DefaultMaxRequests, "Maximum request buffers per tag")
	fs.Duration("flush-timeout", 0, "Timeout of a single bulk request")
	fs.Int("retry-limit", 3, "Attempts per batch after the first, -1 retries forever")
	fs.Duration("retry-backoff", time.Second, "Delay before the first retry, doubled for each further one")

	fs.Bool("trace-output", false, "Print every request body to stderr")
	fs.Bool("trace-error", false, "Print rejected requests and their responses to stderr")
	fs.Bool("apm", false, "Trace flushes with Elastic APM, configured by ELASTIC_APM_* variables")
	fs.String("log-level", "info", "Log level")
}

// bindFlags makes every flag of fs readable from v, with environment
// variables and config file values as fallback.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

func readConfig(v *viper.Viper, cmd *cobra.Command) error {
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return nil
}

func loadOptions(v *viper.Viper) (options, error) {
	opts := options{
		URLs:      v.GetStringSlice("url"),
		CloudID:   v.GetString("cloud-id"),
		CloudAuth: v.GetString("cloud-auth"),
		User:      v.GetString("user"),
		Password:  v.GetString("password"),
		CACert:    v.GetString("ca-cert"),
		Insecure:  v.GetBool("insecure"),

		Index:              v.GetString("index"),
		Type:               v.GetString("type"),
		SuppressTypeName:   v.GetBool("suppress-type-name"),
		LogstashFormat:     v.GetBool("logstash-format"),
		LogstashPrefix:     v.GetString("logstash-prefix"),
		LogstashPrefixKey:  v.GetString("logstash-prefix-key"),
		LogstashDateFormat: v.GetString("logstash-dateformat"),
		TimeKey:            v.GetString("time-key"),
		TimeKeyFormat:      v.GetString("time-key-format"),
		TimeKeyNanos:       v.GetBool("time-key-nanos"),
		OmitTimeKey:        v.GetBool("omit-time-key"),
		IncludeTagKey:      v.GetBool("include-tag-key"),
		TagKey:             v.GetString("tag-key"),
		ReplaceDots:        v.GetBool("replace-dots"),
		IDTemplate:         v.GetString("id-template"),
		CurrentTimeIndex:   v.GetBool("current-time-index"),
		Path:               v.GetString("path"),
		Pipeline:           v.GetString("pipeline"),
		BufferSize:         v.GetInt("buffer-size"),
		CompressionLevel:   v.GetInt("compression-level"),

		AWSAuth:        v.GetBool("aws-auth"),
		AWSRegion:      v.GetString("aws-region"),
		AWSProfile:     v.GetString("aws-profile"),
		AWSRoleARN:     v.GetString("aws-role-arn"),
		AWSExternalID:  v.GetString("aws-external-id"),
		AWSSTSEndpoint: v.GetString("aws-sts-endpoint"),
		AWSServiceName: v.GetString("aws-service-name"),

		Tag:          v.GetString("tag"),
		BatchSize:    v.GetInt("batch-size"),
		Workers:      v.GetInt("workers"),
		MaxRequests:  v.GetInt("max-requests"),
		FlushTimeout: v.GetDuration("flush-timeout"),
		RetryLimit:   v.GetInt("retry-limit"),
		RetryBackoff: v.GetDuration("retry-backoff"),

		TraceOutput: v.GetBool("trace-output"),
		TraceError:  v.GetBool("trace-error"),
		APMTracing:  v.GetBool("apm"),
	}

	var errs []error
	var err error
	if opts.IDMode, err = esoutput.ParseIDMode(v.GetString("id-mode")); err != nil {
		errs = append(errs, err)
	}
	if opts.LogLevel, err = zapcore.ParseLevel(v.GetString("log-level")); err != nil {
		errs = append(errs, err)
	}
	if len(opts.URLs) == 0 && opts.CloudID == "" {
		errs = append(errs, errors.New("one of --url or --cloud-id is required"))
	}
	if opts.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("--batch-size must be positive, got %d", opts.BatchSize))
	}
	if opts.Workers <= 0 {
		errs = append(errs, fmt.Errorf("--workers must be positive, got %d", opts.Workers))
	}
	if opts.AWSAuth && opts.CloudID != "" {
		errs = append(errs, errors.New("--aws-auth cannot be combined with --cloud-id"))
	}
	return opts, errors.Join(errs...)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// outputConfig maps opts to an esoutput.Config. Signing credentials are
// resolved here, so that configuration problems surface before any
// record is read.
func (opts options) outputConfig(ctx context.Context, logger *zap.Logger) (esoutput.Config, error) {
	cfg := esoutput.Config{
		Logger:             logger,
		Index:              opts.Index,
		Type:               opts.Type,
		SuppressTypeName:   opts.SuppressTypeName,
		LogstashFormat:     opts.LogstashFormat,
		LogstashPrefix:     opts.LogstashPrefix,
		LogstashPrefixKey:  opts.LogstashPrefixKey,
		LogstashDateFormat: opts.LogstashDateFormat,
		TimeKey:            opts.TimeKey,
		OmitTimeKey:        opts.OmitTimeKey,
		TimeKeyFormat:      opts.TimeKeyFormat,
		TimeKeyNanos:       opts.TimeKeyNanos,
		IncludeTagKey:      opts.IncludeTagKey,
		TagKey:             opts.TagKey,
		ReplaceDots:        opts.ReplaceDots,
		IDMode:             opts.IDMode,
		IDTemplate:         opts.IDTemplate,
		CurrentTimeIndex:   opts.CurrentTimeIndex,
		Path:               opts.Path,
		Pipeline:           opts.Pipeline,
		Username:           opts.User,
		Password:           opts.Password,
		CloudID:            opts.CloudID,
		CloudAuth:          opts.CloudAuth,
		BufferSize:         opts.BufferSize,
		CompressionLevel:   opts.CompressionLevel,
		MaxRequests:        opts.MaxRequests,
		FlushTimeout:       opts.FlushTimeout,
		TraceOutput:        opts.TraceOutput,
		TraceError:         opts.TraceError,
	}
	if opts.TraceOutput || opts.TraceError {
		cfg.DiagnosticSink = esoutput.NewWriterSink(os.Stderr)
	}
	if opts.APMTracing {
		cfg.Tracer = apm.DefaultTracer()
	}
	if opts.AWSAuth {
		u, err := url.Parse(opts.URLs[0])
		if err != nil {
			return cfg, fmt.Errorf("invalid url %q: %w", opts.URLs[0], err)
		}
		cfg.Host = u.Host
		if cfg.Signer, err = opts.newSigner(ctx); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (opts options) newSigner(ctx context.Context) (*esoutput.SigV4Signer, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.AWSRegion))
	}
	if opts.AWSProfile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	provider := awsCfg.Credentials
	if opts.AWSRoleARN != "" {
		client := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
			if opts.AWSSTSEndpoint != "" {
				o.BaseEndpoint = aws.String(opts.AWSSTSEndpoint)
			}
		})
		provider = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(client, opts.AWSRoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = fmt.Sprintf("esbulk-%d", time.Now().Unix())
				if opts.AWSExternalID != "" {
					o.ExternalID = aws.String(opts.AWSExternalID)
				}
			},
		))
	}
	return esoutput.NewSigV4Signer(provider, awsCfg.Region, opts.AWSServiceName)
}

// newClient returns the transport bulk requests are sent through. Signed
// requests usually target Amazon OpenSearch Service, which fails the product
// check of the Elasticsearch client, so they use the bare transport.
func (opts options) newClient() (esapi.Transport, error) {
	transport, err := opts.newRoundTripper()
	if err != nil {
		return nil, err
	}
	if opts.AWSAuth {
		urls := make([]*url.URL, 0, len(opts.URLs))
		for _, raw := range opts.URLs {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid url %q: %w", raw, err)
			}
			urls = append(urls, u)
		}
		return elastictransport.New(elastictransport.Config{
			URLs:         urls,
			Transport:    transport,
			DisableRetry: true,
		})
	}
	cfg := elasticsearch.Config{
		CloudID: opts.CloudID,
		// Batches are retried as a whole by the caller.
		DisableRetry: true,
	}
	if opts.CloudID == "" {
		cfg.Addresses = opts.URLs
	}
	cfg.Transport = transport
	return elasticsearch.NewClient(cfg)
}

func (opts options) newRoundTripper() (http.RoundTripper, error) {
	var transport http.RoundTripper = http.DefaultTransport
	if opts.CACert != "" || opts.Insecure {
		tlsConfig := &tls.Config{InsecureSkipVerify: opts.Insecure}
		if opts.CACert != "" {
			pem, err := os.ReadFile(opts.CACert)
			if err != nil {
				return nil, fmt.Errorf("cannot read CA certificate: %w", err)
			}
			tlsConfig.RootCAs = x509.NewCertPool()
			if !tlsConfig.RootCAs.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificate found in %s", opts.CACert)
			}
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsConfig
		transport = t
	}
	if opts.APMTracing {
		transport = apmelasticsearch.WrapRoundTripper(transport)
	}
	return transport, nil
}
