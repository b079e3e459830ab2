// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package disk assembles sparse disk images from a declarative spec: it
// drives a partition.Table builder (MBR or GPT), owns the resulting image
// file, and manages the loopback/mount lifecycle needed to format and
// populate the partitions it describes.
package disk

import (
	"github.com/siderolabs/go-pointer"
)

// Label selects which partition table flavor a DiskSpec builds.
type Label string

const (
	// LabelMBR selects the legacy MBR builder.
	LabelMBR Label = "mbr"
	// LabelGPT selects the GPT builder.
	LabelGPT Label = "gpt"
)

// PartitionSpec is one entry of a DiskSpec's partitions map, keyed by
// 1-based partition index. It mirrors the YAML shape in spec §6.
type PartitionSpec struct {
	SizeMiB    uint64   `yaml:"size"`
	Filesystem string   `yaml:"filesystem"`
	PartCode   *string  `yaml:"partcode,omitempty"`
	Mount      *string  `yaml:"mount,omitempty"`
	Label      *string  `yaml:"label,omitempty"`
	Name       *string  `yaml:"name,omitempty"`
	Flags      []string `yaml:"flags,omitempty"`
}

// partCode returns PartCode if set, else Filesystem — the fallback spec §4.5.1
// describes ("part.partcode or part.filesystem").
func (p PartitionSpec) partCode() string {
	if p.PartCode != nil && *p.PartCode != "" {
		return *p.PartCode
	}

	return p.Filesystem
}

// name returns Name if set, else Label, else "" — the fallback spec §4.5.1
// describes ("name field, else label field, else None").
func (p PartitionSpec) name() string {
	if p.Name != nil {
		return *p.Name
	}

	return pointer.SafeDeref(p.Label)
}

// mountPath returns the partition's mount path, or "" if none was declared.
func (p PartitionSpec) mountPath() string {
	return pointer.SafeDeref(p.Mount)
}

// fsLabel returns the partition's filesystem label, or "" if none was
// declared. This is the raw Label field used at format time (spec §3),
// distinct from name(), which falls back to Label only for the GPT entry
// name shown in partition-table tooling.
func (p PartitionSpec) fsLabel() string {
	return pointer.SafeDeref(p.Label)
}

// hasFlag reports whether name appears in Flags.
func (p PartitionSpec) hasFlag(name string) bool {
	for _, f := range p.Flags {
		if f == name {
			return true
		}
	}

	return false
}

// DiskSpec is the declarative description of one disk image: its
// partition-table flavor and the partitions it holds, keyed by 1-based
// index. Unmarshal with gopkg.in/yaml.v3.
type DiskSpec struct {
	DiskLabel  Label                 `yaml:"label"`
	Partitions map[int]PartitionSpec `yaml:"partitions"`
}
