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
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/trace"
	"github.com/ulikunitz/xz"
)

// ArchiveSuffix returns the archive extension of name when it carries
// one of the supported suffixes. Longer suffixes win so "a.tar.gz"
// reports ".tar.gz", not ".gz".
func ArchiveSuffix(name string) (string, bool) {
	lower := strings.ToLower(name)
	match := ""
	for _, suffix := range defaults.UnarchiveSuffixes {
		if strings.HasSuffix(lower, suffix) && len(suffix) > len(match) {
			match = suffix
		}
	}
	return match, match != ""
}

// Archive writes path as a zip stream: a directory is walked with
// entry names relative to the directory's parent, so unpacking
// recreates the directory by name; a single file is stored under its
// basename.
func Archive(path string, w io.Writer) error {
	fi, err := os.Stat(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	zw := zip.NewWriter(w)

	if !fi.IsDir() {
		if err := addZipEntry(zw, path, fi.Name()); err != nil {
			zw.Close()
			return trace.Wrap(err)
		}
		return trace.Wrap(zw.Close())
	}

	parent := filepath.Dir(filepath.Clean(path))
	err = filepath.Walk(path, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.Wrap(err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(parent, file)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(addZipEntry(zw, file, filepath.ToSlash(rel)))
	})
	if err != nil {
		zw.Close()
		return trace.Wrap(err)
	}
	return trace.Wrap(zw.Close())
}

func addZipEntry(zw *zip.Writer, path, arcname string) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	entry, err := zw.Create(arcname)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = io.Copy(entry, f)
	return trace.Wrap(err)
}

// Unarchive expands the archive at src into the dst directory,
// dispatching on the file suffix.
func Unarchive(src, dst string) error {
	suffix, ok := ArchiveSuffix(src)
	if !ok {
		return trace.BadParameter("%q is not a supported archive", filepath.Base(src))
	}
	switch suffix {
	case ".zip":
		return trace.Wrap(unzip(src, dst))
	case ".tar":
		return trace.Wrap(untarFile(src, dst, func(r io.Reader) (io.Reader, error) {
			return r, nil
		}))
	case ".tar.gz", ".tgz":
		return trace.Wrap(untarFile(src, dst, func(r io.Reader) (io.Reader, error) {
			gz, err := gzip.NewReader(r)
			return gz, trace.Wrap(err)
		}))
	case ".tar.bz2", ".tbz":
		return trace.Wrap(untarFile(src, dst, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		}))
	case ".tar.xz", ".txz":
		return trace.Wrap(untarFile(src, dst, func(r io.Reader) (io.Reader, error) {
			xr, err := xz.NewReader(r)
			return xr, trace.Wrap(err)
		}))
	}
	return trace.BadParameter("%q is not a supported archive", filepath.Base(src))
}

// securePath joins name under dst, refusing entries that would land
// outside it.
func securePath(dst, name string) (string, error) {
	path := filepath.Join(dst, filepath.FromSlash(name))
	if !strings.HasPrefix(path, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", trace.BadParameter("archive entry %q escapes the target directory", name)
	}
	return path, nil
}

func unzip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return trace.Wrap(err)
	}
	defer zr.Close()
	for _, entry := range zr.File {
		path, err := securePath(dst, entry.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return trace.Wrap(err)
		}
		err = writeExtracted(path, rc)
		rc.Close()
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func untarFile(src, dst string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	r, err := decompress(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		path, err := securePath(dst, header.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
		case tar.TypeReg:
			if err := writeExtracted(path, tr); err != nil {
				return trace.Wrap(err)
			}
		}
	}
}

func writeExtracted(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	_, err = io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return trace.ConvertSystemError(err)
}
