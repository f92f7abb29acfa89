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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Signer signs bulk requests. Sign is called once per flush, after the body,
// URL and Host of req are final, and returns the headers to add to req.
// Implementations must not modify req.
type Signer interface {
	Sign(ctx context.Context, req *http.Request, payload []byte) (http.Header, error)
}

// DefaultSigV4Service is the AWS service name of Amazon OpenSearch Service.
const DefaultSigV4Service = "es"

// SigV4Signer signs requests with AWS Signature Version 4.
type SigV4Signer struct {
	credentials aws.CredentialsProvider
	region      string
	service     string
	signer      *v4.Signer
	now         func() time.Time
}

// NewSigV4Signer returns a SigV4Signer using credentials from provider. If
// service is empty, DefaultSigV4Service is used.
func NewSigV4Signer(provider aws.CredentialsProvider, region, service string) (*SigV4Signer, error) {
	if provider == nil {
		return nil, errors.New("credentials provider is nil")
	}
	if region == "" {
		return nil, errors.New("region is required")
	}
	if service == "" {
		service = DefaultSigV4Service
	}
	return &SigV4Signer{
		credentials: provider,
		region:      region,
		service:     service,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}, nil
}

// Sign implements Signer. The signature covers the Host header without its
// port.
func (s *SigV4Signer) Sign(ctx context.Context, req *http.Request, payload []byte) (http.Header, error) {
	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	clone := req.Clone(ctx)
	clone.Host = hostWithoutPort(req.Host)
	if clone.Host == "" {
		clone.Host = hostWithoutPort(req.URL.Host)
	}
	sum := sha256.Sum256(payload)
	if err := s.signer.SignHTTP(ctx, creds, clone, hex.EncodeToString(sum[:]),
		s.service, s.region, s.now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	signed := make(http.Header)
	for _, k := range []string{"Authorization", "X-Amz-Date", "X-Amz-Security-Token"} {
		if v := clone.Header.Get(k); v != "" {
			signed.Set(k, v)
		}
	}
	return signed, nil
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ParseCloudID returns the Elasticsearch host of an Elastic Cloud deployment
// ID of the form "<name>:<base64(region$es_host$kibana_host)>". The host is
// served on port 443.
func ParseCloudID(cloudID string) (string, error) {
	_, encoded, ok := strings.Cut(cloudID, ":")
	if !ok {
		return "", fmt.Errorf("invalid cloud id %q: missing ':'", cloudID)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cannot decode cloud id: %w", err)
	}
	var parts []string
	for _, p := range strings.Split(string(decoded), "$") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", errors.New("cannot extract cloud host from cloud id")
	}
	return parts[1] + "." + parts[0], nil
}
