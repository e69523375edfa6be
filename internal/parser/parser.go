// Package parser converts raw access-log lines into structured records
// under a user-supplied regex pattern.
//
// The capture-group contract is fixed: group 1 is the source IP, group 2
// the timestamp text, group 4 the HTTP method, group 5 the request path,
// group 6 the status code, group 7 the response size, group 8 the response
// time in seconds and group 9 the user agent. Groups 6-9 are optional.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/akarpov/logutil/pkg/models"
)

// Fallback timestamp layouts tried after the configured one. These cover
// the common nginx and ISO-like formats.
var fallbackLayouts = []string{
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02 15:04:05 -0700",
}

// Parser is a compiled line parser. It holds no mutable state and is safe
// for concurrent use.
type Parser struct {
	re     *regexp.Regexp
	layout string
}

// Result is a successfully parsed line. The record has no ID yet; the
// store assigns one on insert.
type Result struct {
	Record models.Record

	// TimestampGuessed is true when the timestamp text could not be
	// parsed and the ingestion time was substituted.
	TimestampGuessed bool
}

// New compiles pattern and returns a parser using layout (a Go time
// reference layout) for timestamps. A compile failure here is the only
// fatal parser error; Parse itself never fails.
func New(pattern, layout string) (*Parser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling log pattern: %w", err)
	}
	return &Parser{re: re, layout: layout}, nil
}

// Parse converts one raw line into a record. It returns false when the
// line does not match the pattern or a required capture group is empty;
// such lines are dropped, not errors. Optional fields that fail to parse
// are left absent.
func (p *Parser) Parse(line string) (Result, bool) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return Result{}, false
	}

	ip := group(m, 1)
	tsText := group(m, 2)
	method := group(m, 4)
	path := group(m, 5)
	if ip == "" || tsText == "" || method == "" || path == "" {
		return Result{}, false
	}

	now := time.Now()
	res := Result{
		Record: models.Record{
			IP:        ip,
			Method:    method,
			URL:       path,
			Domain:    deriveDomain(path),
			LogLine:   line,
			CreatedAt: now,
		},
	}

	ts, ok := p.parseTimestamp(tsText)
	if ok {
		res.Record.Timestamp = ts
	} else {
		res.Record.Timestamp = now.Unix()
		res.TimestampGuessed = true
	}

	if s := group(m, 6); s != "" {
		if code, err := strconv.Atoi(s); err == nil && code >= 0 && code <= 65535 {
			res.Record.Status = &code
		}
	}
	if s := group(m, 7); s != "" {
		if size, err := strconv.ParseUint(s, 10, 64); err == nil {
			res.Record.Size = &size
		}
	}
	if s := group(m, 8); s != "" {
		if rt, err := strconv.ParseFloat(s, 64); err == nil {
			res.Record.ResponseTime = &rt
		}
	}
	if ua := group(m, 9); ua != "" && ua != "-" {
		res.Record.UserAgent = &ua
	}

	return res, true
}

func (p *Parser) parseTimestamp(text string) (int64, bool) {
	layouts := append([]string{p.layout}, fallbackLayouts...)
	for _, layout := range layouts {
		if layout == "" {
			continue
		}
		if t, err := time.Parse(layout, text); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

func group(m []string, i int) string {
	if i >= len(m) {
		return ""
	}
	return m[i]
}

// deriveDomain extracts the request domain from a URL. Absolute URLs yield
// the scheme-authority host; relative paths yield the segment before the
// first slash, or "unknown" when there is no slash at all.
func deriveDomain(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		after := url[strings.Index(url, "://")+3:]
		if slash := strings.Index(after, "/"); slash >= 0 {
			return after[:slash]
		}
		return after
	}
	if slash := strings.Index(url, "/"); slash >= 0 {
		return url[:slash]
	}
	return "unknown"
}
