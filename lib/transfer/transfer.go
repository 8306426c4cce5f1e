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

// Package transfer moves files between the operator and the host:
// resumable chunked uploads staged through a .part file, streamed
// downloads of files or zipped directories, and the archive helpers
// both sides share.
package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// PartSuffix marks an upload still being assembled. Files carrying it
// are never served and never listed as complete.
const PartSuffix = ".part"

// Config holds transfer construction parameters.
type Config struct {
	// ChunkSize is the read buffer for streamed downloads
	ChunkSize int
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = defaults.DownloadChunkSize
	}
	if c.ChunkSize < 1 {
		return trace.BadParameter("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentTransfer})
	}
	return nil
}

// Transfer serves uploads and downloads for authenticated callers.
type Transfer struct {
	cfg Config
}

// New returns a file transfer service.
func New(cfg Config) (*Transfer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Transfer{cfg: cfg}, nil
}

// ChunkRequest describes one part of a resumable upload.
type ChunkRequest struct {
	// Filename is the bare name the assembled file will carry
	Filename string
	// Directory is where the file lands
	Directory string
	// PartNumber orders the chunks; the client submits them ascending
	PartNumber int
	// IsLast triggers the assembly exit sequence
	IsLast bool
	// Checksum is the expected MD5 of the assembled file, optional
	Checksum string
	// Overwrite clears a previous file of the same name on part zero
	Overwrite bool
	// Unzip expands the assembled archive in place
	Unzip bool
	// DeleteAfterUnzip removes the archive once it expanded cleanly
	DeleteAfterUnzip bool
}

// Check validates the request at the API boundary so the chunk
// pipeline can trust its inputs.
func (r *ChunkRequest) Check() error {
	if r.Filename == "" {
		return trace.BadParameter("missing filename")
	}
	if r.Filename != filepath.Base(r.Filename) || r.Filename == ".." {
		return trace.BadParameter("filename %q must not carry a path", r.Filename)
	}
	if r.Directory == "" {
		return trace.BadParameter("missing directory")
	}
	if r.PartNumber < 0 {
		return trace.BadParameter("part_number must not be negative, got %d", r.PartNumber)
	}
	if r.Unzip {
		if _, ok := ArchiveSuffix(r.Filename); !ok {
			return trace.BadParameter("%q is not a supported archive, expected one of %v",
				r.Filename, strings.Join(defaults.UnarchiveSuffixes, " "))
		}
	}
	return nil
}

// Status reports upload progress back to the client.
type Status struct {
	// Filename echoes the upload target
	Filename string `json:"filename"`
	// Parts is the running chunk count
	Parts int `json:"parts"`
	// Message is set once the upload completed
	Message string `json:"message,omitempty"`
}

// PutChunk appends one chunk to the staged upload. Part zero runs the
// entry sequence (overwrite handling, directory creation); IsLast runs
// the exit sequence (rename, checksum, optional unpack). Chunks for a
// file with no staged part are rejected: either the upload already
// finished or the client skipped part zero.
func (t *Transfer) PutChunk(req ChunkRequest, body io.Reader) (*Status, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	final := filepath.Join(req.Directory, req.Filename)
	staged := final + PartSuffix

	if req.PartNumber == 0 {
		if req.Overwrite {
			for _, path := range []string{final, staged} {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return nil, trace.ConvertSystemError(err)
				}
			}
		} else if utils.FileExists(final) {
			return nil, trace.BadParameter("%q already exists, set overwrite=true to replace it", req.Filename)
		}
		if err := utils.EnsureDir(req.Directory); err != nil {
			return nil, trace.Wrap(err)
		}
	} else if !utils.FileExists(staged) {
		return nil, trace.BadParameter("no upload in progress for %q, restart from part 0", req.Filename)
	}

	written, err := appendChunk(staged, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.cfg.Log.WithFields(log.Fields{
		"filename": req.Filename,
		"part":     req.PartNumber,
		"size":     humanize.Bytes(uint64(written)),
	}).Debug("Chunk received.")

	status := &Status{Filename: req.Filename, Parts: req.PartNumber + 1}
	if !req.IsLast {
		return status, nil
	}

	if err := os.Rename(staged, final); err != nil {
		return nil, trace.Errorf("assembling %q: %v", req.Filename, err)
	}
	if req.Checksum != "" {
		computed, err := fileMD5(final)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !strings.EqualFold(computed, req.Checksum) {
			// drop the corrupt assembly so a retry can start clean
			if err := os.Remove(final); err != nil {
				t.cfg.Log.WithError(err).Warn("Failed to remove corrupt upload.")
			}
			return nil, httplib.PartialContent(fmt.Sprintf(
				"checksum mismatch for %q: got %v, expected %v", req.Filename, computed, req.Checksum))
		}
	}
	if req.Unzip {
		if err := Unarchive(final, req.Directory); err != nil {
			return nil, httplib.PartialContent(fmt.Sprintf(
				"uploaded %q but failed to unpack it: %v", req.Filename, trace.UserMessage(err)))
		}
		if req.DeleteAfterUnzip {
			if err := os.Remove(final); err != nil {
				t.cfg.Log.WithError(err).Warn("Failed to remove unpacked archive.")
			}
		}
	}
	status.Message = "upload complete"
	return status, nil
}

// appendChunk writes the body to the end of the staged file.
func appendChunk(staged string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	written, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, trace.ConvertSystemError(err)
	}
	return written, nil
}

// fileMD5 hex-encodes the MD5 digest of the file at path.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()
	digest := md5.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// DownloadRequest names what to stream back: a single file, or a
// directory zipped on the fly.
type DownloadRequest struct {
	// FilePath is the file to stream
	FilePath string
	// Directory is zipped into a temporary archive and streamed
	Directory string
	// ChunkSize overrides the configured read buffer
	ChunkSize int
}

// Check validates the request at the API boundary.
func (r *DownloadRequest) Check() error {
	if (r.FilePath == "") == (r.Directory == "") {
		return trace.BadParameter("provide exactly one of filepath or directory")
	}
	if r.ChunkSize < 0 {
		return trace.BadParameter("chunk_size must be positive, got %d", r.ChunkSize)
	}
	return nil
}

// Download streams the requested content to the response, setting the
// attachment headers before the first byte goes out.
func (t *Transfer) Download(w http.ResponseWriter, req DownloadRequest) error {
	if err := req.Check(); err != nil {
		return trace.Wrap(err)
	}
	path := req.FilePath
	if req.Directory != "" {
		if !utils.IsDir(req.Directory) {
			return trace.NotFound("directory %q does not exist", req.Directory)
		}
		zipped, err := t.zipDirectory(req.Directory)
		if err != nil {
			return trace.Wrap(err)
		}
		defer os.Remove(zipped)
		return trace.Wrap(t.stream(w, zipped, filepath.Base(req.Directory)+".zip", req.ChunkSize))
	}
	if strings.HasSuffix(path, PartSuffix) {
		return trace.NotFound("file %q does not exist", path)
	}
	if !utils.FileExists(path) {
		return trace.NotFound("file %q does not exist", path)
	}
	return trace.Wrap(t.stream(w, path, filepath.Base(path), req.ChunkSize))
}

// zipDirectory archives dir into a temporary file and returns its
// path. The caller removes it after streaming.
func (t *Transfer) zipDirectory(dir string) (string, error) {
	tmp, err := os.CreateTemp("", "ninja-download-*.zip")
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if err := Archive(dir, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", trace.ConvertSystemError(err)
	}
	return tmp.Name(), nil
}

// stream copies the file to the response in chunk-sized reads.
func (t *Transfer) stream(w http.ResponseWriter, path, name string, chunkSize int) error {
	if chunkSize == 0 {
		chunkSize = t.cfg.ChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", fi.Size()))

	t.cfg.Log.WithFields(log.Fields{
		"file": name,
		"size": humanize.Bytes(uint64(fi.Size())),
	}).Info("Streaming download.")

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		// the client going away mid-stream is routine
		t.cfg.Log.WithError(err).Debug("Download stream ended early.")
	}
	return nil
}

// contentType guesses the MIME type from the file name, with the
// literal "unknown" when no registered type matches.
func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "unknown"
}
