// Package parser reads proxy lists. Two line formats are understood:
//
//	scheme://[user:pass@]host:port
//	scheme://host:port:user:pass
//
// A line without scheme uses the default one. Empty lines and lines starting
// with '#' are ignored.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"proxyprobe/internal/probe"
	"proxyprobe/proxypool/model"
)

var ErrMalformed = errors.New("malformed proxy line")

// ParseLine parses one proxy line into a target.
func ParseLine(line string, def probe.Scheme) (probe.Target, error) {
	line = strings.TrimSpace(line)
	scheme := def
	rest := line
	if i := strings.Index(line, "://"); i >= 0 {
		s, err := probe.ParseScheme(line[:i])
		if err != nil {
			return probe.Target{}, err
		}
		scheme = s
		rest = line[i+3:]
	}
	rest = strings.TrimSuffix(rest, "/")

	var host, portStr string
	var user, pass *string
	parts := strings.Split(rest, ":")
	switch {
	case len(parts) == 4 && !strings.HasPrefix(rest, "[") && isPort(parts[1]):
		// host:port:user:pass
		host, portStr = parts[0], parts[1]
		user, pass = &parts[2], &parts[3]
	case strings.Contains(rest, "@"):
		u, err := url.Parse("x://" + rest)
		if err != nil {
			return probe.Target{}, fmt.Errorf("%w: %q: %v", ErrMalformed, line, err)
		}
		host, portStr = u.Hostname(), u.Port()
		if u.User != nil {
			name := u.User.Username()
			user = &name
			if p, ok := u.User.Password(); ok {
				pass = &p
			}
		}
	default:
		h, p, err := net.SplitHostPort(rest)
		if err != nil {
			return probe.Target{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		host, portStr = h, p
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return probe.Target{}, fmt.Errorf("%w: %q: bad port", ErrMalformed, line)
	}
	return probe.NewTarget(scheme, host, uint16(port), user, pass)
}

// Parse reads a whole list. Bad lines are reported in errs and skipped;
// duplicate IDs keep the first occurrence.
func Parse(r io.Reader, def probe.Scheme, source string) (records []*model.Record, errs []error) {
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := ParseLine(line, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		rec := model.NewRecord(t, source)
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return records, errs
}

func isPort(s string) bool {
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}
