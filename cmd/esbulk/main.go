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

// Command esbulk reads files of msgpack encoded records and indexes them
// into Elasticsearch with the bulk API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esbulk [flags] FILE...",
		Short: "Index msgpack encoded records into Elasticsearch",
		Long: `esbulk decodes each FILE as a chunk of [time, map] msgpack entries and
sends the records to Elasticsearch in bulk requests. "-" reads standard input.

Every flag may also be set in the file given by --config, or through an
ESBULK_ prefixed environment variable, e.g. ESBULK_LOGSTASH_FORMAT=true.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfig(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(opts.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), logger, opts, args)
		},
	}
	addFlags(cmd.Flags())
	return cmd
}
