// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JKDingwall/vmconstructor/parttype"
	"github.com/JKDingwall/vmconstructor/partition"
	"github.com/JKDingwall/vmconstructor/partition/gpt"
	"github.com/JKDingwall/vmconstructor/partition/mbr"
	"github.com/JKDingwall/vmconstructor/sparselist"
	"github.com/JKDingwall/vmconstructor/toolexec"
)

// partEntry is the per-index bookkeeping the assembler keeps alongside the
// partition-table builder: everything format/mount need that the builder
// itself doesn't retain.
type partEntry struct {
	sizeMiB    uint64
	filesystem string
	mount      string
	label      string
}

// loopEntry records one kpartx-mapped partition: its device-mapper node and
// the backing loop device.
type loopEntry struct {
	mapperDevice string
	loopDevice   string
}

// Disk assembles a single sparse disk image described by a DiskSpec: it
// owns the partition-table builder, the image file, and the loopback/mount
// lifecycle needed to format and populate the partitions.
type Disk struct {
	logger *zap.Logger
	runner toolexec.Runner

	subvolDir string
	id        string
	imagePath string

	table partition.Table
	parts *sparselist.List[partEntry]

	loopMap  *sparselist.List[loopEntry]
	loopHeld bool

	mounted map[string]string
}

// Option configures a new Disk.
type Option func(*Disk)

// WithLogger sets the structured logger used for debug tracing. The
// default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Disk) { d.logger = logger }
}

// WithRunner overrides the external-tool runner, for tests.
func WithRunner(runner toolexec.Runner) Option {
	return func(d *Disk) { d.runner = runner }
}

// NewDisk parses spec, builds the chosen partition-table builder, registers
// every declared partition, ensures <subvolDir>/disks exists, and writes the
// sparse image file at <subvolDir>/disks/<id>.img.
func NewDisk(subvolDir, id string, spec DiskSpec, opts ...Option) (*Disk, error) {
	d := &Disk{
		logger:    zap.NewNop(),
		runner:    toolexec.New(),
		subvolDir: subvolDir,
		id:        id,
		imagePath: filepath.Join(subvolDir, "disks", id+".img"),
		parts:     sparselist.New(partEntry{}),
		loopMap:   sparselist.New(loopEntry{}),
		mounted:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(d)
	}

	table, err := newTable(spec.DiskLabel)
	if err != nil {
		return nil, fmt.Errorf("disk %s: %w", id, err)
	}

	for idx, part := range spec.Partitions {
		d.parts.Set(idx-1, partEntry{
			sizeMiB:    part.SizeMiB,
			filesystem: part.Filesystem,
			mount:      part.mountPath(),
			label:      part.fsLabel(),
		})

		if err := addPartition(table, idx, part); err != nil {
			return nil, fmt.Errorf("disk %s: partition %d: %w", id, idx, err)
		}
	}

	d.table = table

	if err := os.MkdirAll(filepath.Join(subvolDir, "disks"), 0o755); err != nil {
		return nil, fmt.Errorf("disk %s: creating disks directory: %w", id, err)
	}

	if err := table.MakeDisk(d.imagePath); err != nil {
		return nil, fmt.Errorf("disk %s: writing image: %w", id, err)
	}

	d.logger.Debug("assembled disk image", zap.String("id", id), zap.String("path", d.imagePath))

	return d, nil
}

func newTable(label Label) (partition.Table, error) {
	switch label {
	case LabelMBR:
		return mbr.New()
	case LabelGPT:
		return gpt.New()
	default:
		return nil, fmt.Errorf("unknown disk label %q", label)
	}
}

func addPartition(table partition.Table, idx int, part PartitionSpec) error {
	var flags []string
	if part.hasFlag("bootable") {
		flags = append(flags, "bootable")
	}

	switch t := table.(type) {
	case *mbr.MBR:
		b, err := parttype.ResolveMBRByte(part.partCode())
		if err != nil {
			return err
		}

		var mbrFlags []mbr.Flag
		if len(flags) > 0 {
			mbrFlags = append(mbrFlags, mbr.FlagBootable)
		}

		return t.AddPartition(idx, part.SizeMiB, b, mbrFlags...)
	case *gpt.GPT:
		return t.AddPartition(idx, part.SizeMiB, part.partCode(), part.name())
	default:
		return fmt.Errorf("unsupported table type %T", table)
	}
}

// ImagePath returns the path of the assembled sparse image file.
func (d *Disk) ImagePath() string {
	return d.imagePath
}

// mountPaths returns the declared mount paths in ascending lexicographic
// order, so "/" precedes "/home" precedes "/var" (spec §4.5.4).
func (d *Disk) mountPaths() []string {
	var paths []string

	for _, idx := range d.parts.Indices() {
		if mnt := d.parts.Get(idx).mount; mnt != "" {
			paths = append(paths, mnt)
		}
	}

	sort.Strings(paths)

	return paths
}

// indexForMount returns the 0-based partition index whose declared mount
// path equals target.
func (d *Disk) indexForMount(target string) (int, bool) {
	for _, idx := range d.parts.Indices() {
		if d.parts.Get(idx).mount == target {
			return idx, true
		}
	}

	return 0, false
}

var kpartxAddLine = regexp.MustCompile(`^add map (loop\d+p(\d+))\b`)

// losetup acquires the kpartx loopback mapping if it is not already held.
// Repeated calls while already held are a no-op, so nested scopes compose
// without double-acquiring (spec §4.5.3, §5).
func (d *Disk) losetup(ctx context.Context) error {
	if d.loopHeld {
		return nil
	}

	out, err := d.runner.Run(ctx, "kpartx", "-avs", d.imagePath)
	if err != nil {
		return fmt.Errorf("disk %s: kpartx -avs: %w", d.id, err)
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		m := kpartxAddLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var loopDevice string
		for _, f := range fields {
			if strings.HasPrefix(f, "/dev/loop") {
				loopDevice = f
			}
		}

		var index int
		if _, err := fmt.Sscanf(m[2], "%d", &index); err != nil {
			continue
		}

		d.loopMap.Set(index-1, loopEntry{
			mapperDevice: "/dev/mapper/" + m[1],
			loopDevice:   loopDevice,
		})
	}

	d.loopHeld = true
	d.logger.Debug("acquired loopback mapping", zap.String("image", d.imagePath))

	return nil
}

// ulosetup releases the kpartx loopback mapping and clears the recorded map.
func (d *Disk) ulosetup(ctx context.Context) error {
	if !d.loopHeld {
		return nil
	}

	if _, err := d.runner.Run(ctx, "kpartx", "-dvs", d.imagePath); err != nil {
		return fmt.Errorf("disk %s: kpartx -dvs: %w", d.id, err)
	}

	d.loopMap = sparselist.New(loopEntry{})
	d.loopHeld = false

	d.logger.Debug("released loopback mapping", zap.String("image", d.imagePath))

	return nil
}

// withLoop runs fn under a guaranteed loopback-mapping scope: it acquires
// the mapping only if not already held, and releases only what this call
// acquired, mirroring spec §4.5.3's scoped-resource contract.
func (d *Disk) withLoop(ctx context.Context, fn func() error) error {
	acquiredHere := !d.loopHeld

	if err := d.losetup(ctx); err != nil {
		return err
	}

	fnErr := fn()

	var releaseErr error
	if acquiredHere {
		releaseErr = d.ulosetup(ctx)
	}

	if fnErr != nil {
		return fnErr
	}

	return releaseErr
}

// Format maps the image loopback, formats every declared partition with its
// filesystem (the ESP partition type always formats as vfat per spec
// §4.5.2), and releases the mapping — even on error.
func (d *Disk) Format(ctx context.Context) error {
	return d.withLoop(ctx, func() error {
		for _, idx := range d.loopMap.Indices() {
			if !d.parts.Has(idx) {
				continue
			}

			part := d.parts.Get(idx)
			device := d.loopMap.Get(idx).mapperDevice

			var args []string
			if part.filesystem == "esp" {
				args = []string{"-t", "vfat", "-n", "EFI_SYSTEM", "-F", "32", device}
			} else {
				args = []string{"-t", part.filesystem, device}
			}

			if _, err := d.runner.Run(ctx, "mkfs", args...); err != nil {
				return fmt.Errorf("disk %s: formatting partition %d: %w", d.id, idx+1, err)
			}
		}

		return nil
	})
}

// Mount mounts the given target path, or every declared mount path in
// ascending order if target is "". Parent directories mount before their
// children (spec §4.5.4).
func (d *Disk) Mount(ctx context.Context, target string) error {
	targets := d.mountPaths()
	if target != "" {
		targets = []string{target}
	}

	if err := d.losetup(ctx); err != nil {
		return err
	}

	for _, mnt := range targets {
		idx, ok := d.indexForMount(mnt)
		if !ok {
			return fmt.Errorf("disk %s: no partition declares mount %q", d.id, mnt)
		}

		device := d.loopMap.Get(idx).mapperDevice

		dest := filepath.Join(d.subvolDir, "mnt", strings.TrimPrefix(mnt, "/"))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("disk %s: creating mount point %s: %w", d.id, dest, err)
		}

		if _, err := d.runner.Run(ctx, "mount", device, dest); err != nil {
			return fmt.Errorf("disk %s: mounting %s at %s: %w", d.id, device, dest, err)
		}

		d.mounted[mnt] = device

		d.logger.Debug("mounted partition", zap.String("mount", mnt), zap.String("device", device))
	}

	return nil
}

// Umount unmounts the given target path, or every currently mounted path in
// descending order if target is "" (children before parents, spec §4.5.4).
// When nothing remains mounted, it releases the loopback mapping.
func (d *Disk) Umount(ctx context.Context, target string) error {
	targets := d.umountOrder(target)

	for _, mnt := range targets {
		dest := filepath.Join(d.subvolDir, "mnt", strings.TrimPrefix(mnt, "/"))

		if _, err := d.runner.Run(ctx, "umount", dest); err != nil {
			return fmt.Errorf("disk %s: unmounting %s: %w", d.id, dest, err)
		}

		delete(d.mounted, mnt)

		d.logger.Debug("unmounted partition", zap.String("mount", mnt))
	}

	if len(d.mounted) == 0 {
		return d.ulosetup(ctx)
	}

	return nil
}

// UmountLazy is the tolerant cleanup variant of Umount used on exception
// paths (spec §4.6): it issues `umount -l` instead of `umount`, and logs
// rather than returns on failure, so a caller unwinding after an earlier
// error can always attempt to release mounts and the loopback mapping.
func (d *Disk) UmountLazy(ctx context.Context, target string) {
	targets := d.umountOrder(target)

	for _, mnt := range targets {
		dest := filepath.Join(d.subvolDir, "mnt", strings.TrimPrefix(mnt, "/"))

		if _, err := d.runner.Run(ctx, "umount", "-l", dest); err != nil {
			d.logger.Warn("lazy unmount failed", zap.String("mount", mnt), zap.Error(err))

			continue
		}

		delete(d.mounted, mnt)

		d.logger.Debug("lazily unmounted partition", zap.String("mount", mnt))
	}

	if len(d.mounted) == 0 {
		if err := d.ulosetup(ctx); err != nil {
			d.logger.Warn("releasing loopback mapping during cleanup failed", zap.Error(err))
		}
	}
}

// umountOrder returns the currently mounted paths to tear down, in
// descending order, or just target if it is non-empty and mounted.
func (d *Disk) umountOrder(target string) []string {
	var mounted []string
	for mnt := range d.mounted {
		mounted = append(mounted, mnt)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(mounted)))

	if target == "" {
		return mounted
	}

	for _, mnt := range mounted {
		if mnt == target {
			return []string{target}
		}
	}

	return nil
}
