// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command vmdisk builds sparse VM disk images from a declarative YAML spec:
// one entry per disk, each listing its partition-table flavor and
// partitions.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JKDingwall/vmconstructor/disk"
)

func main() {
	specPath := flag.String("spec", "", "path to a YAML file mapping disk id to DiskSpec")
	subvolDir := flag.String("subvol", ".", "subvolume directory disk images are assembled under")
	format := flag.Bool("format", false, "format every partition after assembling the images")
	mount := flag.Bool("mount", false, "mount every declared mount point after formatting")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *specPath == "" {
		log.Fatal("-spec is required")
	}

	logger := zap.NewNop()

	if *verbose {
		var err error

		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("building logger: %v", err)
		}
	}

	defer logger.Sync() //nolint:errcheck

	if err := run(*specPath, *subvolDir, *format, *mount, logger); err != nil {
		logger.Sugar().Fatalw("vmdisk failed", "error", err)
	}
}

func run(specPath, subvolDir string, format, mount bool, logger *zap.Logger) error {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}

	var specs map[string]disk.DiskSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return err
	}

	ds, err := disk.NewDiskSet(subvolDir, specs, disk.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx := context.Background()

	if format {
		if err := ds.Format(ctx); err != nil {
			return err
		}
	}

	if mount {
		if err := ds.Mount(ctx); err != nil {
			ds.UmountLazy(ctx)

			return err
		}

		logger.Info("mounted disk set", zap.String("root", ds.Root()))
	}

	return nil
}
