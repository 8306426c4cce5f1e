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

package platform

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
)

// Disk describes one physical storage device.
type Disk struct {
	// Name is the human readable product name
	Name string `json:"name"`
	// Size is the device capacity, humanized base-1024
	Size string `json:"size"`
	// DeviceID is the OS handle (sda, disk0, "0")
	DeviceID string `json:"device_id"`
	// Model carries extra vendor detail where the OS reports one
	Model string `json:"model,omitempty"`
	// Mountpoints lists attached filesystems, or the literal
	// "Not Mounted"
	Mountpoints []string `json:"mountpoints"`
}

// NotMounted marks a disk with no attached filesystems.
const NotMounted = "Not Mounted"

// Disks enumerates physical disks. Tool failures are logged and
// yield an empty list rather than an error: metric consumers poll
// this and must not wedge on one broken host utility.
func (p *Probe) Disks() []Disk {
	var (
		disks []Disk
		err   error
	)
	switch p.cfg.OS {
	case Linux:
		var out []byte
		out, err = p.run(p.cfg.DiskLib, "-o", "NAME,SIZE,TYPE,MODEL,MOUNTPOINT", "-J", "-b")
		if err == nil {
			disks, err = parseLsblk(out)
		}
	case Darwin:
		var out []byte
		out, err = p.run(p.cfg.DiskLib, "info", "-all")
		if err == nil {
			disks = parseDiskutil(out)
		}
	case Windows:
		var out []byte
		out, err = p.run(p.cfg.DiskLib, "-NoProfile", "-Command", windowsDiskScript)
		if err == nil {
			disks, err = parseWindowsDisks(out)
		}
	}
	if err != nil {
		p.cfg.Log.WithError(err).Warn("Disk enumeration failed.")
		return nil
	}
	return disks
}

// byteCount tolerates tools that emit sizes as JSON numbers or as
// quoted strings (older lsblk does the latter).
type byteCount uint64

func (b *byteCount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return trace.BadParameter("size %q is not a byte count", s)
	}
	*b = byteCount(n)
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Size       byteCount     `json:"size"`
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

func parseLsblk(data []byte) ([]Disk, error) {
	var tree struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, trace.BadParameter("parsing lsblk output: %v", err)
	}
	var disks []Disk
	for _, dev := range tree.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		name := strings.TrimSpace(dev.Model)
		if name == "" {
			name = dev.Name
		}
		disk := Disk{
			Name:        name,
			Size:        utils.HumanSize(uint64(dev.Size)),
			DeviceID:    dev.Name,
			Model:       strings.TrimSpace(dev.Model),
			Mountpoints: collectMounts(dev),
		}
		if len(disk.Mountpoints) == 0 {
			disk.Mountpoints = []string{NotMounted}
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// collectMounts gathers mountpoints from a device and all of its
// descendants (partitions, LVM volumes).
func collectMounts(dev lsblkDevice) []string {
	var mounts []string
	if dev.Mountpoint != "" && dev.Mountpoint != "[SWAP]" {
		mounts = append(mounts, dev.Mountpoint)
	}
	for _, child := range dev.Children {
		mounts = append(mounts, collectMounts(child)...)
	}
	return mounts
}

var (
	diskutilBytes = regexp.MustCompile(`\((\d+) Bytes\)`)
	wholeDiskRe   = regexp.MustCompile(`^(disk\d+)`)
)

// parseDiskutil walks `diskutil info -all` output. Blocks are
// separated by asterisk rulers; each block is "Key: Value" lines.
// Physical whole disks become records; mountpoints of APFS volumes
// are attributed to the physical store they live on, and anything
// under /System/Volumes is dropped as macOS plumbing.
func parseDiskutil(data []byte) []Disk {
	var (
		order  []string
		disks  = make(map[string]*Disk)
		mounts = make(map[string][]string)
	)
	for _, raw := range strings.Split(string(data), "**********") {
		block := parseDiskutilBlock(raw)
		id := block["Device Identifier"]
		if id == "" {
			continue
		}
		if block["Whole"] == "Yes" && block["Virtual"] != "Yes" {
			name := block["Device / Media Name"]
			if name == "" {
				name = id
			}
			var size string
			if m := diskutilBytes.FindStringSubmatch(block["Disk Size"]); m != nil {
				if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
					size = utils.HumanSize(n)
				}
			}
			if _, seen := disks[id]; !seen {
				order = append(order, id)
			}
			disks[id] = &Disk{Name: name, Size: size, DeviceID: id}
		}
		mount := block["Mount Point"]
		if mount == "" || strings.HasPrefix(mount, "/System/Volumes") ||
			strings.HasPrefix(mount, "Not applicable") {
			continue
		}
		root := block["Part of Whole"]
		if store := block["APFS Physical Store"]; store != "" {
			if m := wholeDiskRe.FindStringSubmatch(store); m != nil {
				root = m[1]
			}
		}
		if root != "" {
			mounts[root] = append(mounts[root], mount)
		}
	}
	out := make([]Disk, 0, len(order))
	for _, id := range order {
		disk := disks[id]
		disk.Mountpoints = mounts[id]
		if len(disk.Mountpoints) == 0 {
			disk.Mountpoints = []string{NotMounted}
		}
		out = append(out, *disk)
	}
	return out
}

func parseDiskutilBlock(raw string) map[string]string {
	block := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		block[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return block
}

// windowsDiskScript joins physical disks with their partitions' drive
// letters and emits JSON the agent can decode.
const windowsDiskScript = `Get-PhysicalDisk | ForEach-Object { $d = $_; ` +
	`$m = @(Get-Partition -DiskNumber $d.DeviceId -ErrorAction SilentlyContinue | ` +
	`Where-Object DriveLetter | ForEach-Object { "$($_.DriveLetter):\" }); ` +
	`[PSCustomObject]@{ name = $d.FriendlyName; device_id = "$($d.DeviceId)"; ` +
	`size = [uint64]$d.Size; model = $d.Model; mountpoints = $m } } | ConvertTo-Json -Compress`

type windowsDisk struct {
	Name        string    `json:"name"`
	DeviceID    string    `json:"device_id"`
	Size        byteCount `json:"size"`
	Model       string    `json:"model"`
	Mountpoints []string  `json:"mountpoints"`
}

func parseWindowsDisks(data []byte) ([]Disk, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	var raw []windowsDisk
	if strings.HasPrefix(trimmed, "{") {
		// ConvertTo-Json flattens a single disk into a bare object
		var one windowsDisk
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, trace.BadParameter("parsing disk output: %v", err)
		}
		raw = []windowsDisk{one}
	} else if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, trace.BadParameter("parsing disk output: %v", err)
	}
	disks := make([]Disk, 0, len(raw))
	for _, d := range raw {
		disk := Disk{
			Name:        d.Name,
			Size:        utils.HumanSize(uint64(d.Size)),
			DeviceID:    d.DeviceID,
			Model:       d.Model,
			Mountpoints: d.Mountpoints,
		}
		if len(disk.Mountpoints) == 0 {
			disk.Mountpoints = []string{NotMounted}
		}
		disks = append(disks, disk)
	}
	return disks, nil
}
