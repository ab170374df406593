package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/dargueta/xiafs"
	"github.com/dargueta/xiafs/config"
	"github.com/dargueta/xiafs/presets"
	"github.com/dargueta/xiafs/utilities/compression"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"
)

var settings *config.Config

func main() {
	app := cli.App{
		Name:  "xiafs",
		Usage: "Create, inspect and modify xiafs volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "read settings from `FILE` instead of searching for xiafs.yaml",
			},
		},
		Before: func(ctx *cli.Context) error {
			var err error
			settings, err = config.Load(ctx.String("config"))
			return err
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create an empty volume, or wipe an existing image",
				ArgsUsage: "IMAGE",
				Action:    formatImage,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "preset", Usage: "size the volume like `SLUG`"},
					&cli.UintFlag{Name: "zones", Usage: "total number of zones"},
					&cli.UintFlag{Name: "zone-shift", Usage: "zone size is 1024 << `SHIFT`"},
					&cli.UintFlag{Name: "kernel-zones", Usage: "zones to reserve for a kernel"},
				},
			},
			{
				Name:   "presets",
				Usage:  "List the predefined volume sizes",
				Action: listPresets,
			},
			{
				Name:      "stat",
				Usage:     "Show the volume's geometry and usage",
				ArgsUsage: "IMAGE",
				Action:    statImage,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "IMAGE PATH",
				Action:    listDirectory,
			},
			{
				Name:      "mkdir",
				Usage:     "Make a directory",
				ArgsUsage: "IMAGE PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "put",
				Usage:     "Copy a file into the volume",
				ArgsUsage: "IMAGE HOST_FILE PATH",
				Action:    putFile,
			},
			{
				Name:      "cat",
				Usage:     "Write a file's contents to stdout",
				ArgsUsage: "IMAGE PATH",
				Action:    catFile,
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				ArgsUsage: "IMAGE PATH",
				Action:    removePath,
			},
			{
				Name:      "ln",
				Usage:     "Make a hard link, or a symbolic link with -s",
				ArgsUsage: "IMAGE TARGET PATH",
				Action:    makeLink,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "symbolic", Aliases: []string{"s"}},
				},
			},
			{
				Name:      "mv",
				Usage:     "Rename a file or directory",
				ArgsUsage: "IMAGE OLD_PATH NEW_PATH",
				Action:    movePath,
			},
			{
				Name:      "check",
				Usage:     "Look for inconsistencies without changing anything",
				ArgsUsage: "IMAGE",
				Action:    checkImage,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "workers", Usage: "number of inodes to check in parallel"},
				},
			},
			{
				Name:      "pack",
				Usage:     "Compress an image with RLE8 and gzip",
				ArgsUsage: "IMAGE OUTPUT",
				Action:    packImage,
			},
			{
				Name:      "unpack",
				Usage:     "Decompress an image made by pack",
				ArgsUsage: "PACKED OUTPUT",
				Action:    unpackImage,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func requireArgs(ctx *cli.Context, count int) error {
	if ctx.NArg() != count {
		return fmt.Errorf(
			"%s takes %d arguments (%s), got %d",
			ctx.Command.Name,
			count,
			ctx.Command.ArgsUsage,
			ctx.NArg(),
		)
	}
	return nil
}

// openVolume mounts the image at `imagePath`. The returned function unmounts
// it and closes the file.
func openVolume(imagePath string, readOnly bool) (*xiafs.Volume, func() error, error) {
	flags := os.O_RDWR
	options := settings.MountOptions()
	if readOnly || options.ReadOnly {
		flags = os.O_RDONLY
		options.ReadOnly = true
	}

	file, err := os.OpenFile(imagePath, flags, 0)
	if err != nil {
		return nil, nil, err
	}

	volume, err := xiafs.Mount(file, options)
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	closer := func() error {
		err := volume.Unmount()
		closeErr := file.Close()
		if err != nil {
			return err
		}
		return closeErr
	}
	return volume, closer, nil
}

// withVolume runs `action` on a mounted volume and unmounts it afterwards.
func withVolume(imagePath string, readOnly bool, action func(*xiafs.Volume) error) error {
	volume, closer, err := openVolume(imagePath, readOnly)
	if err != nil {
		return err
	}

	err = action(volume)
	closeErr := closer()
	if err != nil {
		return err
	}
	return closeErr
}

// splitPath resolves the directory part of `filePath` and returns it along
// with the final component.
func splitPath(volume *xiafs.Volume, filePath string) (xiafs.Inumber, string, error) {
	dirPath, name := path.Split(strings.TrimRight(filePath, "/"))
	if name == "" {
		return 0, "", fmt.Errorf("%q doesn't name a file", filePath)
	}
	dir, err := volume.LookupPath(dirPath)
	return dir, name, err
}

func formatImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	options := xiafs.FormatOptions{
		ZoneShift:   settings.Format.ZoneShift,
		KernelZones: settings.Format.KernelZones,
		RootMode:    settings.Format.RootMode,
		UID:         settings.Mount.UID,
		GID:         settings.Mount.GID,
	}

	presetSlug := settings.Format.Preset
	if ctx.IsSet("preset") {
		presetSlug = ctx.String("preset")
	}
	if presetSlug != "" && !ctx.IsSet("zones") {
		preset, err := presets.Get(presetSlug)
		if err != nil {
			return err
		}
		fromPreset := preset.FormatOptions()
		options.TotalZones = fromPreset.TotalZones
		options.ZoneShift = fromPreset.ZoneShift
		options.KernelZones = fromPreset.KernelZones
	}

	if ctx.IsSet("zones") {
		options.TotalZones = ctx.Uint("zones")
	}
	if ctx.IsSet("zone-shift") {
		options.ZoneShift = ctx.Uint("zone-shift")
	}
	if ctx.IsSet("kernel-zones") {
		options.KernelZones = ctx.Uint("kernel-zones")
	}
	if options.TotalZones == 0 {
		return fmt.Errorf("give either --preset or --zones")
	}

	file, err := os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	err = file.Truncate(int64(options.TotalZones) * int64(xiafs.MinZoneSize<<options.ZoneShift))
	if err != nil {
		return err
	}

	geometry, err := xiafs.Format(file, options)
	if err != nil {
		return err
	}

	fmt.Printf(
		"%d zones of %d bytes, %d inodes, %d data zones starting at zone %d\n",
		geometry.TotalZones(),
		geometry.ZoneSize(),
		geometry.TotalInodes(),
		geometry.DataZones(),
		geometry.FirstDataZone(),
	)
	return nil
}

func listPresets(ctx *cli.Context) error {
	for _, preset := range presets.All() {
		fmt.Printf(
			"%-14s %-26s %8d KiB  zone %d KiB\n",
			preset.Slug,
			preset.Name,
			preset.SizeKiB,
			preset.ZoneSizeKiB(),
		)
	}
	return nil
}

func statImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), true, func(volume *xiafs.Volume) error {
		geometry := volume.Geometry()
		stat := volume.FSStat()
		fmt.Printf("zone size:        %d\n", stat.BlockSize)
		fmt.Printf("total zones:      %d\n", geometry.TotalZones())
		fmt.Printf("first data zone:  %d\n", geometry.FirstDataZone())
		fmt.Printf("data zones:       %d (%d free)\n", stat.TotalBlocks, stat.BlocksFree)
		fmt.Printf("inodes:           %d (%d free)\n", stat.Files, stat.FilesFree)
		fmt.Printf("max file size:    %d\n", geometry.MaxFileSize())
		if geometry.Raw.KernelZones > 0 {
			fmt.Printf(
				"kernel zones:     %d at zone %d\n",
				geometry.Raw.KernelZones,
				geometry.Raw.FirstKernelZone,
			)
		}
		return nil
	})
}

func listDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), true, func(volume *xiafs.Volume) error {
		dir, err := volume.LookupPath(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		entries, err := volume.ReadDir(dir)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			stat, err := volume.Stat(entry.Inumber)
			if err != nil {
				return err
			}
			fmt.Printf(
				"%6d %07o %3d %5d:%-5d %10d %s %s\n",
				entry.Inumber,
				stat.Mode,
				stat.Nlinks,
				stat.UID,
				stat.GID,
				stat.Size,
				stat.LastModified.Format("2006-01-02 15:04"),
				entry.Name,
			)
		}
		return nil
	})
}

func makeDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), false, func(volume *xiafs.Volume) error {
		dir, name, err := splitPath(volume, ctx.Args().Get(1))
		if err != nil {
			return err
		}
		_, err = volume.Mkdir(dir, name, 0o755)
		return err
	})
}

func putFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 3)
	if err != nil {
		return err
	}

	contents, err := os.ReadFile(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), false, func(volume *xiafs.Volume) error {
		dir, name, err := splitPath(volume, ctx.Args().Get(2))
		if err != nil {
			return err
		}

		ino, err := volume.Create(dir, name, 0o644)
		if err != nil {
			return err
		}
		_, err = volume.WriteAt(ino, contents, 0)
		return err
	})
}

func catFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), true, func(volume *xiafs.Volume) error {
		ino, err := volume.LookupPath(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		contents, err := volume.ReadFile(ino)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(contents)
		return err
	})
}

func removePath(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), false, func(volume *xiafs.Volume) error {
		target, err := volume.LookupPath(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		stat, err := volume.Stat(target)
		if err != nil {
			return err
		}

		dir, name, err := splitPath(volume, ctx.Args().Get(1))
		if err != nil {
			return err
		}
		if stat.IsDir() {
			return volume.Rmdir(dir, name)
		}
		return volume.Unlink(dir, name)
	})
}

func makeLink(ctx *cli.Context) error {
	err := requireArgs(ctx, 3)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), false, func(volume *xiafs.Volume) error {
		dir, name, err := splitPath(volume, ctx.Args().Get(2))
		if err != nil {
			return err
		}

		if ctx.Bool("symbolic") {
			_, err = volume.Symlink(dir, name, ctx.Args().Get(1))
			return err
		}

		target, err := volume.LookupPath(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		return volume.Link(target, dir, name)
	})
}

func movePath(ctx *cli.Context) error {
	err := requireArgs(ctx, 3)
	if err != nil {
		return err
	}

	return withVolume(ctx.Args().Get(0), false, func(volume *xiafs.Volume) error {
		oldDir, oldName, err := splitPath(volume, ctx.Args().Get(1))
		if err != nil {
			return err
		}
		newDir, newName, err := splitPath(volume, ctx.Args().Get(2))
		if err != nil {
			return err
		}
		return volume.Rename(oldDir, oldName, newDir, newName)
	})
}

func checkImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	workers := settings.Check.Workers
	if ctx.IsSet("workers") {
		workers = ctx.Int("workers")
	}

	return withVolume(ctx.Args().Get(0), true, func(volume *xiafs.Volume) error {
		report, err := volume.Check(workers)
		if err != nil {
			return err
		}

		fmt.Printf(
			"%d inodes and %d zones checked\n", report.InodesScanned, report.ZonesReferenced)
		for _, problem := range report.Errors() {
			fmt.Println(problem.Error())
		}
		if !report.OK() {
			return fmt.Errorf("%d problems found", len(report.Errors()))
		}
		return nil
	})
}

func packImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	source, err := os.Open(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer source.Close()

	output, err := os.Create(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	written, err := compression.CompressImage(source, output)
	if err != nil {
		return err
	}
	fmt.Printf("Compressed image to %d bytes.\n", written)
	return nil
}

// unpackImage expands a packed image in memory and makes sure it's a valid
// volume before writing it out.
func unpackImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	source, err := os.Open(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer source.Close()

	imageBytes, err := compression.DecompressImageToBytes(source)
	if err != nil {
		return err
	}

	_, err = xiafs.Mount(
		bytesextra.NewReadWriteSeeker(imageBytes), xiafs.MountOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("unpacked data isn't a valid volume: %w", err)
	}

	output, err := os.Create(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	written, err := io.Copy(output, bytes.NewReader(imageBytes))
	if err != nil {
		return err
	}
	fmt.Printf("Expanded image to %d bytes.\n", written)
	return nil
}
