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

package runner

import (
	"bytes"
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, mutate func(*Config)) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests spawn unix shells")
	}
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestRunCapturesTrimmedLines(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	res, err := r.Run(context.Background(), Request{
		Command: `echo one; echo "  two  "; echo err 1>&2`,
		Shell:   true,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, res.Stdout)
	require.Equal(t, []string{"err"}, res.Stderr)
}

func TestRunArgvMode(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	res, err := r.Run(context.Background(), Request{
		Command: `echo "hello world"`,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"hello world"}, res.Stdout)
	require.Empty(t, res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	_, err := r.Run(context.Background(), Request{
		Command: "sleep 5",
		Shell:   true,
		Timeout: 100 * time.Millisecond,
	})
	var status *httplib.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusRequestTimeout, status.Code)
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	// non-strict callers get the output regardless of exit status
	res, err := r.Run(context.Background(), Request{
		Command: "echo partial; exit 3",
		Shell:   true,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"partial"}, res.Stdout)
	require.Equal(t, 3, res.ExitCode)

	// strict callers get the exit diagnostic as an error
	_, err = r.Run(context.Background(), Request{
		Command: "echo oops 1>&2; exit 3",
		Shell:   true,
		Strict:  true,
		Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "code 3")
	require.Contains(t, err.Error(), "oops")
}

func TestRunRejectsUnparsable(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	_, err := r.Run(context.Background(), Request{Command: `echo "unterminated`})
	require.True(t, trace.IsBadParameter(err))

	_, err = r.Run(context.Background(), Request{Command: "   "})
	require.True(t, trace.IsBadParameter(err))
}

func TestStream(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	var buf bytes.Buffer
	err := r.Stream(context.Background(), Request{
		Command: "echo a; echo b 1>&2",
		Shell:   true,
		Timeout: 10 * time.Second,
	}, &buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "a\n")
	require.Contains(t, buf.String(), "b\n")
}

func TestStreamTimeoutEndsCleanly(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	var buf bytes.Buffer
	start := time.Now()
	err := r.Stream(context.Background(), Request{
		Command: "echo first; sleep 5; echo never",
		Shell:   true,
		Timeout: 300 * time.Millisecond,
	}, &buf)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.Contains(t, buf.String(), "first")
	require.NotContains(t, buf.String(), "never")
}

func TestStreamTimeoutCap(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, func(cfg *Config) {
		cfg.MaxStreamTimeout = time.Second
	})

	err := r.Stream(context.Background(), Request{
		Command: "echo hi",
		Shell:   true,
		Timeout: 2 * time.Second,
	}, &bytes.Buffer{})
	require.True(t, trace.IsBadParameter(err))
}
