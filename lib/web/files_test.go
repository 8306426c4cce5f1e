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

package web

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/ninja/lib/transfer"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// multipartFile builds a one-file form body for /put-file.
func multipartFile(t *testing.T, filename, directory, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("directory", directory))
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := t.TempDir()
	content := "agent notes\nsecond line\n"

	body, contentType := multipartFile(t, "notes.txt", dir, content)
	resp, out := env.do(t, http.MethodPut, "/put-file", body, env.withExecCreds(t), func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(out, &saved))
	require.Equal(t, "notes.txt", saved.Filename)
	require.Equal(t, int64(len(content)), saved.Size)

	// the saved file streams back verbatim
	resp, out = env.do(t, http.MethodPost, "/get-file",
		jsonBody(t, map[string]string{"filepath": filepath.Join(dir, "notes.txt")}), env.withExecCreds(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, string(out))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")

	// and shows up in a listing
	resp, out = env.do(t, http.MethodPost, "/list-files",
		jsonBody(t, map[string]interface{}{"directory": dir}), env.withExecCreds(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []transfer.Entry
	require.NoError(t, json.Unmarshal(out, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "notes.txt", entries[0].Name)
	require.Equal(t, "file", entries[0].Type)

	resp, _ = env.do(t, http.MethodPost, "/delete-content",
		jsonBody(t, map[string]interface{}{"path": filepath.Join(dir, "notes.txt")}), env.withExecCreds(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/get-file",
		jsonBody(t, map[string]string{"filepath": filepath.Join(dir, "notes.txt")}), env.withExecCreds(t))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutFileRefusesSilentOverwrite(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taken.txt"), []byte("original"), 0o644))

	body, contentType := multipartFile(t, "taken.txt", dir, "replacement")
	resp, _ := env.do(t, http.MethodPut, "/put-file", body, env.withExecCreds(t), func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// the original is untouched
	kept, err := os.ReadFile(filepath.Join(dir, "taken.txt"))
	require.NoError(t, err)
	require.Equal(t, "original", string(kept))
}

// chunkURL builds the /put-large-file query string for one part.
func chunkURL(filename, directory string, part int, extra url.Values) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("directory", directory)
	q.Set("part_number", fmt.Sprintf("%d", part))
	for key, vals := range extra {
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	return "/put-large-file?" + q.Encode()
}

func TestChunkedUpload(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := t.TempDir()

	first := bytes.Repeat([]byte("a"), 1000)
	second := bytes.Repeat([]byte("b"), 500)
	sum := md5.Sum(append(append([]byte{}, first...), second...))

	resp, out := env.do(t, http.MethodPut, chunkURL("big.bin", dir, 0, nil),
		bytes.NewReader(first), env.withExecCreds(t))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var status transfer.Status
	require.NoError(t, json.Unmarshal(out, &status))
	require.Equal(t, "big.bin", status.Filename)
	require.Equal(t, 1, status.Parts)

	// the staging file is there, the final one is not
	require.FileExists(t, filepath.Join(dir, "big.bin"+transfer.PartSuffix))
	require.NoFileExists(t, filepath.Join(dir, "big.bin"))

	last := url.Values{}
	last.Set("is_last", "true")
	last.Set("checksum", hex.EncodeToString(sum[:]))
	resp, out = env.do(t, http.MethodPut, chunkURL("big.bin", dir, 1, last),
		bytes.NewReader(second), env.withExecCreds(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(out, &status))
	require.Equal(t, 2, status.Parts)
	require.Equal(t, "upload complete", status.Message)

	assembled, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, append(first, second...), assembled)
	require.NoFileExists(t, filepath.Join(dir, "big.bin"+transfer.PartSuffix))
}

func TestChunkedUploadChecksumMismatch(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := t.TempDir()

	last := url.Values{}
	last.Set("is_last", "true")
	last.Set("checksum", "00000000000000000000000000000000")
	resp, _ := env.do(t, http.MethodPut, chunkURL("corrupt.bin", dir, 0, last),
		bytes.NewReader([]byte("payload")), env.withExecCreds(t))
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)

	// the corrupt assembly was dropped so a retry starts clean
	require.NoFileExists(t, filepath.Join(dir, "corrupt.bin"))
}

func TestChunkWithoutStart(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := t.TempDir()

	resp, out := env.do(t, http.MethodPut, chunkURL("skipped.bin", dir, 3, nil),
		bytes.NewReader([]byte("late chunk")), env.withExecCreds(t))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(out), "restart from part 0")
}

func TestChunkRequestValidation(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)

	// a path-carrying filename is rejected before any disk touch
	resp, _ := env.do(t, http.MethodPut,
		"/put-large-file?filename=..%2Fescape.bin&directory=/tmp&part_number=0",
		bytes.NewReader([]byte("x")), env.withExecCreds(t))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut,
		"/put-large-file?filename=ok.bin&directory=/tmp&part_number=junk",
		bytes.NewReader([]byte("x")), env.withExecCreds(t))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectoryDownloadZips(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)
	dir := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inner.txt"), []byte("zipped"), 0o644))

	resp, body := env.do(t, http.MethodGet, "/get-large-file?directory="+url.QueryEscape(dir),
		nil, env.withExecCreds(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), `payload.zip`)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "payload/inner.txt", zr.File[0].Name)
}

func TestGetLargeFileValidation(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewFakeClock(), nil)

	// neither target
	resp, _ := env.do(t, http.MethodGet, "/get-large-file", nil, env.withExecCreds(t))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// both targets
	resp, _ = env.do(t, http.MethodGet, "/get-large-file?filepath=/tmp/a&directory=/tmp",
		nil, env.withExecCreds(t))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// an in-flight upload stage is never served
	dir := t.TempDir()
	staged := filepath.Join(dir, "hidden.bin"+transfer.PartSuffix)
	require.NoError(t, os.WriteFile(staged, []byte("partial"), 0o644))
	resp, _ = env.do(t, http.MethodGet, "/get-large-file?filepath="+url.QueryEscape(staged),
		nil, env.withExecCreds(t))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
