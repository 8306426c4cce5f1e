/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils holds small helpers shared across the agent.
package utils

import (
	"crypto/rand"
	"encoding/base64"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// sizeUnits are the base-1024 suffixes HumanSize cycles through.
var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// HumanSize renders a byte count with base-1024 units and two decimal
// places, stripping trailing zero decimals: 1024 -> "1 KB",
// 1536 -> "1.5 KB", 2097152 -> "2 MB".
func HumanSize(size uint64) string {
	val := float64(size)
	unit := sizeUnits[0]
	for _, u := range sizeUnits[1:] {
		if val < 1024 {
			break
		}
		val /= 1024
		unit = u
	}
	s := strconv.FormatFloat(math.Round(val*100)/100, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s + " " + unit
}

// Round2 rounds to two decimal places, the precision every usage
// percentage in the API carries.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DecodeEscaped normalizes a credential that arrived with literal
// backslash escapes, e.g. a token pasted from a shell with \$ in it.
// Only values starting with a backslash are decoded; everything else
// is compared as presented.
func DecodeEscaped(value string) string {
	if !strings.HasPrefix(value, `\`) {
		return value
	}
	unquoted, err := strconv.Unquote(`"` + value + `"`)
	if err != nil {
		return value
	}
	return unquoted
}

// ClientHost returns the host the request originated from, preferring
// the first X-Forwarded-For hop over the socket address.
func ClientHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// IsDir reports whether path names an existing directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// EnsureDir creates the directory and any missing parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// RandomToken returns a URL-safe token derived from n random bytes.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// shortAlphabet excludes lookalike characters so codes survive
// being read aloud.
const shortAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ShortCode returns an n character code for human-typed delivery.
func ShortCode(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", trace.Wrap(err)
	}
	for i := range b {
		b[i] = shortAlphabet[int(b[i])%len(shortAlphabet)]
	}
	return string(b), nil
}

// ParseCommaList splits a comma separated value into trimmed non-empty
// elements.
func ParseCommaList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BoolParam interprets a query string flag the way browsers send them.
func BoolParam(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
