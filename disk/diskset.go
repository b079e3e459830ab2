// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/siderolabs/gen/xslices"
)

// DiskSet is a collection of named Disks built from a top-level mapping of
// disk id to DiskSpec, coordinating format/mount/umount across its members
// so mount ordering composes correctly across disk boundaries (spec
// §4.5.5).
type DiskSet struct {
	subvolDir string
	disks     map[string]*Disk
	order     []string
}

// NewDiskSet builds one Disk per entry of specs, in ascending id order,
// under subvolDir.
func NewDiskSet(subvolDir string, specs map[string]DiskSpec, opts ...Option) (*DiskSet, error) {
	ds := &DiskSet{
		subvolDir: subvolDir,
		disks:     make(map[string]*Disk, len(specs)),
	}

	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		d, err := NewDisk(subvolDir, id, specs[id], opts...)
		if err != nil {
			return nil, fmt.Errorf("diskset: %w", err)
		}

		ds.disks[id] = d
		ds.order = append(ds.order, id)
	}

	return ds, nil
}

// Root is the directory every disk's mount paths are rooted under.
func (ds *DiskSet) Root() string {
	return filepath.Join(ds.subvolDir, "mnt")
}

// Format formats every disk in the set.
func (ds *DiskSet) Format(ctx context.Context) error {
	for _, id := range ds.order {
		if err := ds.disks[id].Format(ctx); err != nil {
			return fmt.Errorf("diskset: disk %s: %w", id, err)
		}
	}

	return nil
}

// mountUnion pairs every disk's declared mount path with the disk that owns
// it, sorted ascending so "/" mounts before "/home" even when they belong
// to different disks (spec §4.5.5). Duplicate paths are not merged.
type mountUnion struct {
	path string
	disk *Disk
}

func (ds *DiskSet) mountUnion() []mountUnion {
	var all []mountUnion

	for _, id := range ds.order {
		d := ds.disks[id]

		paths := xslices.Map(d.mountPaths(), func(p string) mountUnion {
			return mountUnion{path: p, disk: d}
		})

		all = append(all, paths...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].path < all[j].path })

	return all
}

// Mount mounts every disk's declared mount path, across the whole set, in
// ascending lexicographic order.
func (ds *DiskSet) Mount(ctx context.Context) error {
	for _, m := range ds.mountUnion() {
		if err := m.disk.Mount(ctx, m.path); err != nil {
			return fmt.Errorf("diskset: %w", err)
		}
	}

	return nil
}

// Umount reverses Mount: it unmounts every disk's mount paths in descending
// lexicographic order across the whole set.
func (ds *DiskSet) Umount(ctx context.Context) error {
	union := ds.mountUnion()

	for i := len(union) - 1; i >= 0; i-- {
		m := union[i]
		if err := m.disk.Umount(ctx, m.path); err != nil {
			return fmt.Errorf("diskset: %w", err)
		}
	}

	return nil
}

// UmountLazy is the tolerant cleanup variant of Umount (spec §4.6): it fans
// out to every disk's UmountLazy, in descending mount-path order, tolerating
// and logging failures instead of returning them. Callers use it to unwind
// after a partial Mount/Format failure.
func (ds *DiskSet) UmountLazy(ctx context.Context) {
	union := ds.mountUnion()

	for i := len(union) - 1; i >= 0; i-- {
		union[i].disk.UmountLazy(ctx, union[i].path)
	}
}
