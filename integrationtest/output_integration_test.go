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

package integrationtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	esapi7 "github.com/elastic/go-elasticsearch/v7/esapi"
	elasticsearch8 "github.com/elastic/go-elasticsearch/v8"
	esapi8 "github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-esoutput"
	"github.com/elastic/go-esoutput/esapi"
	"github.com/elastic/go-esoutput/record"
)

const N = 100

func skipUnlessIntegration(t *testing.T) {
	switch strings.ToLower(os.Getenv("INTEGRATION_TESTS")) {
	case "1", "true":
	default:
		t.Skip("Skipping integration test, export INTEGRATION_TESTS=1 to run")
	}
}

func flushRecords(t *testing.T, client esapi.Transport, cfg esoutput.Config) {
	pool, err := esoutput.NewClientPool(client, 2)
	require.NoError(t, err)
	cfg.Username = "admin"
	cfg.Password = "changeme"
	out, err := esoutput.New(pool, cfg)
	require.NoError(t, err)

	batch := record.Batch{Tag: "integration"}
	for i := 0; i < N; i++ {
		batch.Records = append(batch.Records, record.Record{
			Time: time.Now(),
			Fields: record.Map{
				{Key: "message", Value: record.String(fmt.Sprintf("event %d", i))},
				{Key: "service.name", Value: record.String("integration")},
			},
		})
	}
	result, err := out.Flush(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, esoutput.ResultOK, result)

	// Hashed ids make a retried batch overwrite its documents.
	if cfg.IDMode == esoutput.IDModeHash {
		result, err = out.Flush(context.Background(), batch)
		require.NoError(t, err)
		require.Equal(t, esoutput.ResultOK, result)
	}
}

func TestOutputIntegrationV8(t *testing.T) {
	skipUnlessIntegration(t)

	const index = "esoutput-testing-v8"

	config := elasticsearch8.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch8.NewClient(config)
	require.NoError(t, err)

	deleteIndex := func() {
		resp, err := esapi8.IndicesDeleteRequest{
			Index:             []string{index},
			IgnoreUnavailable: esapi8.BoolPtr(true),
		}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	flushRecords(t, client, esoutput.Config{
		Index:            index,
		SuppressTypeName: true,
		ReplaceDots:      true,
		IDMode:           esoutput.IDModeHash,
		CompressionLevel: 1,
	})

	// Check that docs are indexed.
	resp, err := esapi8.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	resp.Body.Close()

	var result struct {
		Count int
	}
	resp, err = esapi8.CountRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&result)
	require.NoError(t, err)
	assert.Equal(t, N, result.Count)
}

func TestOutputIntegrationV7(t *testing.T) {
	skipUnlessIntegration(t)

	const index = "esoutput-testing-v7"

	config := elasticsearch7.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch7.NewClient(config)
	require.NoError(t, err)

	deleteIndex := func() {
		resp, err := esapi7.IndicesDeleteRequest{
			Index:             []string{index},
			IgnoreUnavailable: esapi7.BoolPtr(true),
		}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	flushRecords(t, client, esoutput.Config{Index: index})

	// Check that docs are indexed.
	resp, err := esapi7.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	resp.Body.Close()

	var result struct {
		Count int
	}
	resp, err = esapi7.CountRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&result)
	require.NoError(t, err)
	assert.Equal(t, N, result.Count)
}
