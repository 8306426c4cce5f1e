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

package dockerm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	containers []container.Summary
	images     []image.Summary
	volumes    []*volume.Volume
	stats      map[string]rawStats
	started    []string
	stopped    []string
	err        error
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if options.All {
		return f.containers, nil
	}
	var running []container.Summary
	for _, c := range f.containers {
		if string(c.State) == "running" {
			running = append(running, c)
		}
	}
	return running, nil
}

func (f *fakeAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.images, nil
}

func (f *fakeAPI) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	if f.err != nil {
		return volume.ListResponse{}, f.err
	}
	return volume.ListResponse{Volumes: f.volumes}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	if f.err != nil {
		return f.err
	}
	if !f.has(id) {
		return errNoSuchContainer(id)
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	if f.err != nil {
		return f.err
	}
	if !f.has(id) {
		return errNoSuchContainer(id)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ContainerStats(ctx context.Context, id string, stream bool) (container.StatsResponseReader, error) {
	stats, ok := f.stats[id]
	if !ok {
		return container.StatsResponseReader{}, errNoSuchContainer(id)
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{
		Body:   io.NopCloser(bytes.NewReader(data)),
		OSType: "linux",
	}, nil
}

func (f *fakeAPI) has(id string) bool {
	for _, c := range f.containers {
		if c.ID == id {
			return true
		}
		for _, name := range c.Names {
			if name == "/"+id {
				return true
			}
		}
	}
	return false
}

// errNoSuchContainer mimics the daemon's not-found error the way the
// docker client surfaces it, unwrapping to the errdefs sentinel.
func errNoSuchContainer(id string) error {
	return fmt.Errorf("Error response from daemon: No such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func newTestClient(t *testing.T, api API) *Client {
	docker, err := New(Config{API: api})
	require.NoError(t, err)
	return docker
}

func TestListContainers(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		containers: []container.Summary{
			{
				ID:     "0123456789abcdef",
				Names:  []string{"/web"},
				Image:  "nginx:latest",
				State:  "running",
				Status: "Up 2 hours",
			},
			{
				ID:     "fedcba9876543210",
				Names:  []string{"/batch"},
				Image:  "alpine:3.20",
				State:  "exited",
				Status: "Exited (0) 3 days ago",
			},
		},
	}
	docker := newTestClient(t, api)

	all, err := docker.ListContainers(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "0123456789ab", all[0].ID)
	require.Equal(t, "web", all[0].Name)
	require.Equal(t, "running", all[0].State)

	running, err := docker.ListContainers(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "web", running[0].Name)
}

func TestListImagesAndVolumes(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		images: []image.Summary{
			{
				ID:       "sha256:aabbccddeeff00112233",
				RepoTags: []string{"nginx:latest"},
				Size:     2048,
				Created:  1700000000,
			},
		},
		volumes: []*volume.Volume{
			{Name: "pgdata", Driver: "local", Mountpoint: "/var/lib/docker/volumes/pgdata/_data"},
			nil,
		},
	}
	docker := newTestClient(t, api)

	images, err := docker.ListImages(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, "aabbccddeeff", images[0].ID)
	require.Equal(t, []string{"nginx:latest"}, images[0].Tags)
	require.Equal(t, "2 KB", images[0].Size)

	volumes, err := docker.ListVolumes(context.Background())
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	require.Equal(t, "pgdata", volumes[0].Name)
}

func TestContainerStats(t *testing.T) {
	t.Parallel()

	stats := rawStats{}
	stats.CPUStats.CPUUsage.TotalUsage = 10
	stats.CPUStats.SystemCPUUsage = 10
	stats.PreCPUStats.CPUUsage.TotalUsage = 5
	stats.PreCPUStats.SystemCPUUsage = 2
	stats.MemoryStats.Usage = 512
	stats.MemoryStats.Limit = 2048
	stats.PidsStats.Current = 7

	api := &fakeAPI{
		containers: []container.Summary{
			{ID: "0123456789abcdef", Names: []string{"/web"}, State: "running"},
			// listed but gone by the time its reading is taken
			{ID: "fedcba9876543210", Names: []string{"/ghost"}, State: "running"},
		},
		stats: map[string]rawStats{
			"0123456789abcdef": stats,
		},
	}
	docker := newTestClient(t, api)

	readings, err := docker.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1)

	reading := readings[0]
	require.Equal(t, "web", reading.Name)
	require.Equal(t, 62.5, reading.CPUPercent)
	require.Equal(t, 25.0, reading.MemoryPercent)
	require.Equal(t, uint64(7), reading.PIDs)
}

func TestCPUPercent(t *testing.T) {
	t.Parallel()

	var zero rawStats

	counterReset := rawStats{}
	counterReset.CPUStats.CPUUsage.TotalUsage = 3
	counterReset.PreCPUStats.CPUUsage.TotalUsage = 9
	counterReset.CPUStats.SystemCPUUsage = 20
	counterReset.PreCPUStats.SystemCPUUsage = 10

	require.Equal(t, 0.0, cpuPercent(zero))
	require.Equal(t, 0.0, cpuPercent(counterReset))
}

func TestStartStopContainer(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		containers: []container.Summary{
			{ID: "0123456789abcdef", Names: []string{"/web"}, State: "exited"},
		},
	}
	docker := newTestClient(t, api)

	require.NoError(t, docker.StartContainer(context.Background(), "web"))
	require.Equal(t, []string{"web"}, api.started)

	err := docker.StartContainer(context.Background(), "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, docker.StopContainer(context.Background(), "web"))
	require.Equal(t, []string{"web"}, api.stopped)

	err = docker.StopContainer(context.Background(), "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	err = docker.StartContainer(context.Background(), "")
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestDaemonUnreachable(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: client.ErrorConnectionFailed("unix:///var/run/docker.sock")}
	docker := newTestClient(t, api)

	_, err := docker.ListContainers(context.Background(), true)
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)

	err = docker.Ping(context.Background())
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)
}
