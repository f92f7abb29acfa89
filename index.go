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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/elastic/go-esoutput/record"
)

// maxPrefixLen caps index prefixes read from records.
const maxPrefixLen = 128

// unpadded maps the conversions accepted with a "-" flag, as in "%-d", to
// the private specification bytes they are compiled to.
var unpadded = map[byte]byte{
	'd': 0x01,
	'm': 0x02,
	'H': 0x03,
	'I': 0x04,
	'M': 0x05,
	'S': 0x06,
	'j': 0x07,
}

// strftimeSpecs extends the default conversions with "%s" (Unix seconds),
// "%G" and "%g" (ISO 8601 week-based year) and the unpadded "%-" forms.
// It is fully populated here and only read afterwards.
var strftimeSpecs = func() strftime.SpecificationSet {
	ss := strftime.NewSpecificationSet()
	set := func(b byte, f func([]byte, time.Time) []byte) {
		if err := ss.Set(b, strftime.AppendFunc(f)); err != nil {
			panic(err)
		}
	}
	if err := ss.Set('s', strftime.UnixSeconds()); err != nil {
		panic(err)
	}
	set('G', func(b []byte, t time.Time) []byte {
		year, _ := t.ISOWeek()
		return strconv.AppendInt(b, int64(year), 10)
	})
	set('g', func(b []byte, t time.Time) []byte {
		year, _ := t.ISOWeek()
		return appendTwoDigits(b, year%100)
	})
	set(unpadded['d'], appendInt(time.Time.Day))
	set(unpadded['m'], appendInt(func(t time.Time) int { return int(t.Month()) }))
	set(unpadded['H'], appendInt(time.Time.Hour))
	set(unpadded['I'], appendInt(func(t time.Time) int {
		if h := t.Hour() % 12; h != 0 {
			return h
		}
		return 12
	}))
	set(unpadded['M'], appendInt(time.Time.Minute))
	set(unpadded['S'], appendInt(time.Time.Second))
	set(unpadded['j'], appendInt(time.Time.YearDay))
	return ss
}()

func appendInt(f func(time.Time) int) func([]byte, time.Time) []byte {
	return func(b []byte, t time.Time) []byte {
		return strconv.AppendInt(b, int64(f(t)), 10)
	}
}

func appendTwoDigits(b []byte, n int) []byte {
	if n < 10 {
		b = append(b, '0')
	}
	return strconv.AppendInt(b, int64(n), 10)
}

// newStrftime compiles a strftime pattern against strftimeSpecs.
func newStrftime(pattern string) (*strftime.Strftime, error) {
	var compiled []byte
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 >= len(pattern) {
			compiled = append(compiled, c)
			continue
		}
		next := pattern[i+1]
		if next == '-' && i+2 < len(pattern) {
			if spec, ok := unpadded[pattern[i+2]]; ok {
				compiled = append(compiled, '%', spec)
				i += 2
				continue
			}
		}
		compiled = append(compiled, c, next)
		i++
	}
	return strftime.New(string(compiled), strftime.WithSpecificationSet(strftimeSpecs))
}

// indexResolver computes the destination index of each record.
type indexResolver struct {
	logstash    bool
	currentTime bool

	// static is set when the index template has no conversions, in which
	// case staticName is used for every record.
	static     bool
	staticName string
	index      *strftime.Strftime

	prefix     string
	prefixKey  *recordAccessor
	dateFormat *strftime.Strftime
}

func newIndexResolver(cfg Config) (*indexResolver, error) {
	r := &indexResolver{
		logstash:    cfg.LogstashFormat,
		currentTime: cfg.CurrentTimeIndex,
		prefix:      cfg.LogstashPrefix,
	}
	var err error
	if r.index, err = newStrftime(cfg.Index); err != nil {
		return nil, fmt.Errorf("invalid Index %q: %w", cfg.Index, err)
	}
	if !strings.Contains(cfg.Index, "%") {
		r.static = true
		r.staticName = cfg.Index
	}
	if !cfg.LogstashFormat {
		return r, nil
	}
	if r.dateFormat, err = newStrftime(cfg.LogstashDateFormat); err != nil {
		return nil, fmt.Errorf("invalid LogstashDateFormat %q: %w", cfg.LogstashDateFormat, err)
	}
	if cfg.LogstashPrefixKey != "" {
		if r.prefixKey, err = parseRecordAccessor(cfg.LogstashPrefixKey); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// resolve returns the index name for rec. now is the flush start time,
// used instead of the record time when the current time override is set.
func (r *indexResolver) resolve(rec record.Record, tag string, now time.Time) string {
	t := rec.Time
	if r.currentTime {
		t = now
	}
	t = t.UTC()
	if r.logstash {
		prefix := r.prefix
		if r.prefixKey != nil {
			if v, ok := r.prefixKey.lookup(rec.Fields, tag); ok && v != "" {
				if len(v) > maxPrefixLen {
					// Truncated by bytes, possibly inside a multi-byte character.
					v = v[:maxPrefixLen]
				}
				prefix = v
			}
		}
		return prefix + "-" + r.dateFormat.FormatString(t)
	}
	if r.static {
		return r.staticName
	}
	return r.index.FormatString(t)
}

// timeFormatter formats the document time field: a strftime layout
// followed by fractional seconds and "Z".
type timeFormatter struct {
	layout *strftime.Strftime
	nanos  bool
}

func newTimeFormatter(layout string) (*strftime.Strftime, error) {
	return newStrftime(layout)
}

func (f timeFormatter) format(t time.Time) string {
	t = t.UTC()
	s := f.layout.FormatString(t)
	var frac string
	if f.nanos {
		frac = strconv.Itoa(t.Nanosecond())
		frac = strings.Repeat("0", 9-len(frac)) + frac
	} else {
		frac = strconv.Itoa(t.Nanosecond() / int(time.Millisecond))
		frac = strings.Repeat("0", 3-len(frac)) + frac
	}
	return s + "." + frac + "Z"
}
