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

// Package esoutput delivers batches of timestamped records to Elasticsearch
// through the _bulk API.
//
// Each batch is encoded into a single NDJSON bulk request: records are
// transcoded to JSON, given an index name and optionally a deterministic
// document id, and sent in one request. The response is classified into a
// Result telling the caller whether the batch was delivered, should be
// retried as a whole, or cannot be delivered.
//
// Delivery is at-least-once. Output keeps no state between flushes and never
// retries on its own; with IDModeHash or IDModeTemplate a retried batch
// overwrites the documents it already indexed.
package esoutput
