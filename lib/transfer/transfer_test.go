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

package transfer

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestTransfer(t *testing.T) *Transfer {
	t.Helper()
	tr, err := New(Config{})
	require.NoError(t, err)
	return tr
}

// chunked splits data into n roughly equal parts.
func chunked(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	var parts [][]byte
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[start:end])
	}
	return parts
}

func TestChunkedUpload(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()

	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	sum := md5.Sum(payload)

	parts := chunked(payload, 3)
	require.Len(t, parts, 3)
	for i, part := range parts {
		status, err := tr.PutChunk(ChunkRequest{
			Filename:   "blob.bin",
			Directory:  dir,
			PartNumber: i,
			IsLast:     i == len(parts)-1,
			Checksum:   hex.EncodeToString(sum[:]),
		}, bytes.NewReader(part))
		require.NoError(t, err)
		require.Equal(t, i+1, status.Parts)
		if i < len(parts)-1 {
			require.Empty(t, status.Message)
			require.FileExists(t, filepath.Join(dir, "blob.bin.part"))
		}
	}

	// the staged file is gone and the assembly matches the original
	require.NoFileExists(t, filepath.Join(dir, "blob.bin.part"))
	assembled, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, assembled)
}

func TestChunkedUploadChecksumMismatch(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()

	_, err := tr.PutChunk(ChunkRequest{
		Filename:   "blob.bin",
		Directory:  dir,
		PartNumber: 0,
		IsLast:     true,
		Checksum:   strings.Repeat("0", 32),
	}, strings.NewReader("payload"))

	var status *httplib.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusPartialContent, status.Code)

	// neither the staging file nor a corrupt assembly survives
	require.NoFileExists(t, filepath.Join(dir, "blob.bin.part"))
	require.NoFileExists(t, filepath.Join(dir, "blob.bin"))
}

func TestChunkedUploadOverwrite(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	// without overwrite part zero refuses
	_, err := tr.PutChunk(ChunkRequest{
		Filename:  "config.txt",
		Directory: dir,
	}, strings.NewReader("new"))
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "overwrite=true")

	// with overwrite the old file is replaced
	status, err := tr.PutChunk(ChunkRequest{
		Filename:  "config.txt",
		Directory: dir,
		IsLast:    true,
		Overwrite: true,
	}, strings.NewReader("new"))
	require.NoError(t, err)
	require.Equal(t, 1, status.Parts)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestChunkAfterFinishedUpload(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()

	_, err := tr.PutChunk(ChunkRequest{
		Filename:  "done.txt",
		Directory: dir,
		IsLast:    true,
	}, strings.NewReader("complete"))
	require.NoError(t, err)

	// a straggler chunk has no staged part to land in
	_, err = tr.PutChunk(ChunkRequest{
		Filename:   "done.txt",
		Directory:  dir,
		PartNumber: 1,
	}, strings.NewReader("late"))
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "part 0")
}

func TestChunkUnzipExtensionCheck(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)

	_, err := tr.PutChunk(ChunkRequest{
		Filename:  "data.rar",
		Directory: t.TempDir(),
		Unzip:     true,
	}, strings.NewReader("x"))
	require.True(t, trace.IsBadParameter(err))
}

func TestChunkedUploadUnzip(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()

	// build a zip with one file in memory
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("payload/hello.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	sum := md5.Sum(buf.Bytes())

	status, err := tr.PutChunk(ChunkRequest{
		Filename:         "payload.zip",
		Directory:        dir,
		IsLast:           true,
		Checksum:         hex.EncodeToString(sum[:]),
		Unzip:            true,
		DeleteAfterUnzip: true,
	}, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "upload complete", status.Message)

	data, err := os.ReadFile(filepath.Join(dir, "payload", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.NoFileExists(t, filepath.Join(dir, "payload.zip"))
}

func TestChunkRequestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  ChunkRequest
	}{
		{name: "missing filename", req: ChunkRequest{Directory: "/tmp"}},
		{name: "path traversal", req: ChunkRequest{Filename: "../evil", Directory: "/tmp"}},
		{name: "missing directory", req: ChunkRequest{Filename: "a.txt"}},
		{name: "negative part", req: ChunkRequest{Filename: "a.txt", Directory: "/tmp", PartNumber: -1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.True(t, trace.IsBadParameter(tt.req.Check()))
		})
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ok":true}`), 0o644))

	rec := httptest.NewRecorder()
	require.NoError(t, tr.Download(rec, DownloadRequest{FilePath: path, ChunkSize: 4}))

	require.Equal(t, `{"ok":true}`, rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="report.json"`)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestDownloadUnknownType(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.qqq")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	rec := httptest.NewRecorder()
	require.NoError(t, tr.Download(rec, DownloadRequest{FilePath: path}))
	require.Equal(t, "unknown", rec.Header().Get("Content-Type"))
}

func TestDownloadDirectory(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	parent := t.TempDir()
	dir := filepath.Join(parent, "logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.log"), []byte("line"), 0o644))

	rec := httptest.NewRecorder()
	require.NoError(t, tr.Download(rec, DownloadRequest{Directory: dir}))
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="logs.zip"`)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "logs/agent.log", zr.File[0].Name)
}

func TestDownloadRequestCheck(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)

	// both and neither are rejected
	err := tr.Download(httptest.NewRecorder(), DownloadRequest{})
	require.True(t, trace.IsBadParameter(err))
	err = tr.Download(httptest.NewRecorder(), DownloadRequest{FilePath: "/a", Directory: "/b"})
	require.True(t, trace.IsBadParameter(err))

	// missing targets are NotFound
	err = tr.Download(httptest.NewRecorder(), DownloadRequest{FilePath: "/does/not/exist"})
	require.True(t, trace.IsNotFound(err))

	// staged uploads are never served
	err = tr.Download(httptest.NewRecorder(), DownloadRequest{FilePath: "/tmp/blob.bin.part"})
	require.True(t, trace.IsNotFound(err))
}

func TestListFiles(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "up.bin.part"), []byte("p"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	listing, err := tr.ListFiles(dir, false)
	require.NoError(t, err)
	require.Equal(t, []Entry{
		{Name: "b.txt", Type: "file", Size: "2 B"},
		{Name: "sub", Type: "directory"},
	}, listing)

	// hidden entries show up on request
	listing, err = tr.ListFiles(dir, true)
	require.NoError(t, err)
	require.Len(t, listing, 4)

	_, err = tr.ListFiles(filepath.Join(dir, "missing"), false)
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteContent(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	require.NoError(t, tr.DeleteContent(file, false))
	require.NoFileExists(t, file)

	// directories need the recursive flag
	err := tr.DeleteContent(sub, false)
	require.True(t, trace.IsBadParameter(err))
	require.NoError(t, tr.DeleteContent(sub, true))
	require.NoDirExists(t, sub)

	err = tr.DeleteContent(filepath.Join(dir, "missing"), false)
	require.True(t, trace.IsNotFound(err))
}

func TestSaveFile(t *testing.T) {
	t.Parallel()
	tr := newTestTransfer(t)
	dir := t.TempDir()

	written, err := tr.SaveFile("notes.txt", dir, strings.NewReader("hello"), false)
	require.NoError(t, err)
	require.EqualValues(t, 5, written)

	_, err = tr.SaveFile("notes.txt", dir, strings.NewReader("again"), false)
	require.True(t, trace.IsBadParameter(err))

	_, err = tr.SaveFile("notes.txt", dir, strings.NewReader("again"), true)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "again", string(data))
}
