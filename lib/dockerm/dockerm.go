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

// Package dockerm exposes the handful of docker daemon operations the
// agent serves: object listings, one-shot stats, and container
// start/stop.
package dockerm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// API is the slice of the docker client the agent uses. Tests
// substitute a fake; production wires *client.Client.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
}

// Config holds docker client construction parameters.
type Config struct {
	// API is the underlying docker client, built from the environment
	// when unset
	API API
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.API == nil {
		api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return trace.Wrap(err)
		}
		c.API = api
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentDocker})
	}
	return nil
}

// Client answers docker questions for the HTTP surface and the live
// monitor.
type Client struct {
	cfg Config
}

// New returns a docker client wrapper.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Container is one row of the container listing.
type Container struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// Image is one row of the image listing.
type Image struct {
	ID      string   `json:"id"`
	Tags    []string `json:"tags"`
	Size    string   `json:"size"`
	Created int64    `json:"created"`
}

// Volume is one row of the volume listing.
type Volume struct {
	Name       string `json:"name"`
	Driver     string `json:"driver"`
	Mountpoint string `json:"mountpoint"`
	CreatedAt  string `json:"created_at"`
}

// Stat is a point-in-time reading for one running container.
type Stat struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   string  `json:"memory_usage"`
	MemoryLimit   string  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	PIDs          uint64  `json:"pids"`
}

// ListContainers enumerates containers, every state when all is set.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	summaries, err := c.cfg.API.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, convertDockerError(err)
	}
	containers := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		containers = append(containers, Container{
			ID:     shortID(s.ID),
			Name:   containerName(s.Names),
			Image:  s.Image,
			State:  string(s.State),
			Status: s.Status,
		})
	}
	return containers, nil
}

// ListImages enumerates local images.
func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	summaries, err := c.cfg.API.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, convertDockerError(err)
	}
	images := make([]Image, 0, len(summaries))
	for _, s := range summaries {
		images = append(images, Image{
			ID:      shortID(strings.TrimPrefix(s.ID, "sha256:")),
			Tags:    s.RepoTags,
			Size:    utils.HumanSize(uint64(s.Size)),
			Created: s.Created,
		})
	}
	return images, nil
}

// ListVolumes enumerates named volumes.
func (c *Client) ListVolumes(ctx context.Context) ([]Volume, error) {
	resp, err := c.cfg.API.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, convertDockerError(err)
	}
	volumes := make([]Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		volumes = append(volumes, Volume{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
			CreatedAt:  v.CreatedAt,
		})
	}
	return volumes, nil
}

// StartContainer starts a container by name or ID.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if name == "" {
		return trace.BadParameter("missing container name")
	}
	if err := c.cfg.API.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return convertDockerError(err)
	}
	c.cfg.Log.WithField("container", name).Info("Container started.")
	return nil
}

// StopContainer stops a container by name or ID, giving it the
// daemon's default grace period.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	if name == "" {
		return trace.BadParameter("missing container name")
	}
	if err := c.cfg.API.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return convertDockerError(err)
	}
	c.cfg.Log.WithField("container", name).Info("Container stopped.")
	return nil
}

// Stats takes a one-shot reading of every running container. A
// container that disappears between the listing and its reading is
// skipped rather than failing the whole snapshot.
func (c *Client) Stats(ctx context.Context) ([]Stat, error) {
	summaries, err := c.cfg.API.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, convertDockerError(err)
	}
	stats := make([]Stat, 0, len(summaries))
	for _, s := range summaries {
		stat, err := c.containerStat(ctx, s.ID)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		stat.Name = containerName(s.Names)
		stats = append(stats, stat)
	}
	return stats, nil
}

// rawStats mirrors the slice of the daemon's stats payload the agent
// reads. Decoding into a local struct keeps the wire contract explicit
// instead of tracking the moby types.
type rawStats struct {
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemCPUUsage uint64 `json:"system_cpu_usage"`
}

func (c *Client) containerStat(ctx context.Context, id string) (Stat, error) {
	reader, err := c.cfg.API.ContainerStats(ctx, id, false)
	if err != nil {
		return Stat{}, convertDockerError(err)
	}
	defer reader.Body.Close()
	var raw rawStats
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return Stat{}, trace.BadParameter("decoding stats for %v: %v", shortID(id), err)
	}
	stat := Stat{
		ID:          shortID(id),
		CPUPercent:  cpuPercent(raw),
		MemoryUsage: utils.HumanSize(raw.MemoryStats.Usage),
		MemoryLimit: utils.HumanSize(raw.MemoryStats.Limit),
		PIDs:        raw.PidsStats.Current,
	}
	if raw.MemoryStats.Limit > 0 {
		stat.MemoryPercent = utils.Round2(float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100)
	}
	return stat, nil
}

// cpuPercent derives a usage percentage from the deltas between the
// current and previous readings the daemon bundles into one response.
func cpuPercent(s rawStats) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemCPUUsage) - float64(s.PreCPUStats.SystemCPUUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	return utils.Round2(cpuDelta / systemDelta * 100)
}

// containerName strips the leading slash the daemon prefixes primary
// names with.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// convertDockerError maps daemon errors onto the agent's taxonomy:
// unknown names are NotFound, an unreachable daemon is a connection
// problem the surface reports as 503.
func convertDockerError(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return trace.NotFound("%v", strings.TrimSpace(err.Error()))
	case client.IsErrConnectionFailed(err):
		return trace.ConnectionProblem(err, "docker daemon is unreachable")
	}
	return trace.Wrap(err)
}

// Ping reports whether the daemon answers at all, used at startup to
// log whether docker routes will serve.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.cfg.API.ContainerList(ctx, container.ListOptions{Limit: 1})
	return convertDockerError(err)
}
