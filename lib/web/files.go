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
	"net/http"
	"net/url"
	"strconv"

	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/transfer"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

type listFilesRequest struct {
	Directory  string `json:"directory"`
	ShowHidden bool   `json:"show_hidden"`
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req listFilesRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Directory == "" {
		return nil, trace.BadParameter("missing directory")
	}
	entries, err := h.cfg.Transfer.ListFiles(req.Directory, req.ShowHidden)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

type getFileRequest struct {
	FilePath string `json:"filepath"`
}

// getFile streams one file back. The handler writes the body itself,
// so a nil reply tells the pipeline the response is done.
func (h *Handler) getFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req getFileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.FilePath == "" {
		return nil, trace.BadParameter("missing filepath")
	}
	if err := h.cfg.Transfer.Download(w, transfer.DownloadRequest{FilePath: req.FilePath}); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

type deleteContentRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (h *Handler) deleteContent(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req deleteContentRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing path")
	}
	if err := h.cfg.Transfer.DeleteContent(req.Path, req.Recursive); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("path", req.Path).Info("Content deleted.")
	return message("deleted " + req.Path), nil
}

// putFile accepts one small file as a multipart form: the file under
// the "file" field, the target named by the "directory" field.
func (h *Handler) putFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, trace.BadParameter("missing multipart field file: %v", err)
	}
	defer file.Close()
	directory := r.FormValue("directory")
	if directory == "" {
		return nil, trace.BadParameter("missing form field directory")
	}
	size, err := h.cfg.Transfer.SaveFile(header.Filename, directory, file, utils.BoolParam(r.FormValue("overwrite")))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("filename", header.Filename).Info("File saved.")
	return map[string]interface{}{"filename": header.Filename, "size": size}, nil
}

// putLargeFile accepts one chunk of a resumable upload, described
// entirely by query parameters with the chunk bytes as the request
// body. Intermediate chunks are acknowledged with 202; the final
// chunk answers 200 once assembly, checksum and unpack all passed.
func (h *Handler) putLargeFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	req, err := parseChunkRequest(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := h.cfg.Transfer.PutChunk(*req, r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !req.IsLast {
		return &httplib.Response{Code: http.StatusAccepted, Body: status}, nil
	}
	return status, nil
}

func parseChunkRequest(q url.Values) (*transfer.ChunkRequest, error) {
	req := transfer.ChunkRequest{
		Filename:         q.Get("filename"),
		Directory:        q.Get("directory"),
		IsLast:           utils.BoolParam(q.Get("is_last")),
		Checksum:         q.Get("checksum"),
		Overwrite:        utils.BoolParam(q.Get("overwrite")),
		Unzip:            utils.BoolParam(q.Get("unzip")),
		DeleteAfterUnzip: utils.BoolParam(q.Get("delete_after_unzip")),
	}
	if raw := q.Get("part_number"); raw != "" {
		part, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("part_number %q is not a number", raw)
		}
		req.PartNumber = part
	}
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &req, nil
}

// getLargeFile streams a file, or a directory zipped on the fly, with
// an optional chunk_size overriding the copy buffer.
func (h *Handler) getLargeFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	q := r.URL.Query()
	req := transfer.DownloadRequest{
		FilePath:  q.Get("filepath"),
		Directory: q.Get("directory"),
	}
	if raw := q.Get("chunk_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("chunk_size %q is not a number", raw)
		}
		req.ChunkSize = size
	}
	if err := h.cfg.Transfer.Download(w, req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
