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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-esoutput/record"
)

func TestRecordAccessor(t *testing.T) {
	fields := record.Map{
		{Key: "service", Value: record.String("checkout")},
		{Key: "k8s", Value: record.MapValue(record.Map{
			{Key: "labels", Value: record.MapValue(record.Map{
				{Key: "app", Value: record.String("web")},
			})},
			{Key: "ports", Value: record.ArrayValue([]record.Value{record.Int(80), record.Uint(443)})},
		})},
		{Key: "flag", Value: record.Bool(true)},
		{Key: "nothing", Value: record.Null()},
	}

	for pattern, expected := range map[string]string{
		"$service":              "checkout",
		"service":               "checkout",
		"$k8s['labels']['app']": "web",
		`$k8s["labels"]["app"]`: "web",
		"$k8s['ports'][1]":      "443",
		"$flag":                 "true",
		"$TAG":                  "my.tag",
	} {
		ra, err := parseRecordAccessor(pattern)
		require.NoError(t, err, pattern)
		v, ok := ra.lookup(fields, "my.tag")
		assert.True(t, ok, pattern)
		assert.Equal(t, expected, v, pattern)
	}

	for _, pattern := range []string{
		"$missing",
		"$k8s",
		"$k8s['labels']",
		"$k8s['ports'][5]",
		"$service['x']",
		"$nothing",
	} {
		ra, err := parseRecordAccessor(pattern)
		require.NoError(t, err, pattern)
		_, ok := ra.lookup(fields, "my.tag")
		assert.False(t, ok, pattern)
	}

	for _, pattern := range []string{"$", "$['a']", "$a[b]", "$a['x'", "$a['']", "$a[-1]"} {
		_, err := parseRecordAccessor(pattern)
		assert.Error(t, err, pattern)
	}
}
