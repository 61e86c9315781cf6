// Command dasdb inspects and maintains dasdb backing files.
//
//	dasdb info -file data.das
//	dasdb snapshot -file data.das -target backup.das
//	dasdb export -file data.das -out data.dar [-codec zstd|lz4|none]
//	dasdb export -file data.das -blob name -config dasdb.toml
//	dasdb import -in data.dar -to restored.das
//	dasdb bench -file bench.das -n 100000 -rate 50000 -workers 4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/datacratic/dasdb"
	"github.com/datacratic/dasdb/archive"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "snapshot":
		err = runSnapshot(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "bench":
		err = runBench(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dasdb:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dasdb <info|snapshot|export|import|bench> [flags]")
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	file := fs.String("file", "", "backing file path")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("info: -file is required")
	}

	db, err := dasdb.Open(*file, dasdb.ReadOnly())
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("file:    %s\n", db.Path())
	fmt.Printf("size:    %d bytes\n", db.Size())
	regions := db.Regions()
	fmt.Printf("regions: %d\n", len(regions))
	for _, r := range regions {
		mode := "mutable"
		if r.ReadOnly {
			mode = "snapshot"
		}
		fmt.Printf("  %6d  %-16s %8s  %d entries\n", r.ID, r.Kinds, mode, r.Entries)
	}
	return nil
}

func runSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	file := fs.String("file", "", "backing file path")
	target := fs.String("target", "", "snapshot destination path")
	_ = fs.Parse(args)
	if *file == "" || *target == "" {
		return fmt.Errorf("snapshot: -file and -target are required")
	}

	db, err := dasdb.Open(*file, dasdb.ReadOnly())
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Snapshot(*target)
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	file := fs.String("file", "", "backing file path")
	out := fs.String("out", "", "archive output path")
	blob := fs.String("blob", "", "blob name to upload to instead of -out")
	codec := fs.String("codec", "zstd", "compression codec: zstd, lz4, none")
	configPath := fs.String("config", "", "TOML config path (for -blob)")
	_ = fs.Parse(args)
	if *file == "" || (*out == "") == (*blob == "") {
		return fmt.Errorf("export: -file and exactly one of -out/-blob are required")
	}

	db, err := dasdb.Open(*file, dasdb.ReadOnly())
	if err != nil {
		return err
	}
	defer db.Close()

	withCodec := func(o *archive.Options) { o.Codec = archive.Codec(*codec) }

	if *blob != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		bs, err := cfg.openBlobStore()
		if err != nil {
			return err
		}
		m, err := archive.ExportToBlob(context.Background(), bs, *blob, db, withCodec)
		if err != nil {
			return err
		}
		fmt.Printf("exported %s to blob %s (codec %s)\n", m.ID, *blob, m.Codec)
		return nil
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	m, err := archive.Export(f, db, withCodec)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(*out)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("exported %s to %s (codec %s)\n", m.ID, *out, m.Codec)
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	in := fs.String("in", "", "archive input path")
	blob := fs.String("blob", "", "blob name to download instead of -in")
	to := fs.String("to", "", "restored backing file path")
	configPath := fs.String("config", "", "TOML config path (for -blob)")
	_ = fs.Parse(args)
	if *to == "" || (*in == "") == (*blob == "") {
		return fmt.Errorf("import: -to and exactly one of -in/-blob are required")
	}

	if *blob != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		bs, err := cfg.openBlobStore()
		if err != nil {
			return err
		}
		m, err := archive.ImportFromBlob(context.Background(), bs, *blob, *to)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s from blob %s\n", m.ID, *blob)
		return nil
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	m, err := archive.Import(f, *to)
	if err != nil {
		return err
	}
	fmt.Printf("imported %s from %s\n", m.ID, *in)
	return nil
}
