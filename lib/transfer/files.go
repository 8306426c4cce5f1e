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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Entry is one row of a directory listing.
type Entry struct {
	// Name is the bare entry name
	Name string `json:"name"`
	// Type is "file" or "directory"
	Type string `json:"type"`
	// Size is the humanized byte count, files only
	Size string `json:"size,omitempty"`
}

// ListFiles enumerates a directory. Dotfiles and in-flight upload
// stages are hidden unless showHidden is set.
func (t *Transfer) ListFiles(dir string, showHidden bool) ([]Entry, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing directory")
	}
	if !utils.IsDir(dir) {
		return nil, trace.NotFound("directory %q does not exist", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	listing := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !showHidden && (strings.HasPrefix(name, ".") || strings.HasSuffix(name, PartSuffix)) {
			continue
		}
		row := Entry{Name: name, Type: "file"}
		if entry.IsDir() {
			row.Type = "directory"
		} else if fi, err := entry.Info(); err == nil {
			row.Size = utils.HumanSize(uint64(fi.Size()))
		}
		listing = append(listing, row)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name < listing[j].Name })
	return listing, nil
}

// DeleteContent removes a file, or a directory when recursive is set.
func (t *Transfer) DeleteContent(path string, recursive bool) error {
	if path == "" {
		return trace.BadParameter("missing path")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if fi.IsDir() && !recursive {
		return trace.BadParameter("%q is a directory, set recursive=true to remove it", path)
	}
	t.cfg.Log.WithField("path", path).Info("Deleting content.")
	if fi.IsDir() {
		return trace.ConvertSystemError(os.RemoveAll(path))
	}
	return trace.ConvertSystemError(os.Remove(path))
}

// SaveFile writes a small upload in one shot. Unlike the chunked
// protocol there is no staging: the copy is cheap enough to redo.
func (t *Transfer) SaveFile(name, dir string, src io.Reader, overwrite bool) (int64, error) {
	if name == "" || name != filepath.Base(name) {
		return 0, trace.BadParameter("filename %q must be a bare name", name)
	}
	if dir == "" {
		return 0, trace.BadParameter("missing directory")
	}
	path := filepath.Join(dir, name)
	if !overwrite && utils.FileExists(path) {
		return 0, trace.BadParameter("%q already exists, set overwrite=true to replace it", name)
	}
	if err := utils.EnsureDir(dir); err != nil {
		return 0, trace.Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	written, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, trace.ConvertSystemError(err)
	}
	t.cfg.Log.WithFields(log.Fields{
		"file": name,
		"size": humanize.Bytes(uint64(written)),
	}).Info("File saved.")
	return written, nil
}
