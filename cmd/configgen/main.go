package main

import (
	"flag"
	"log"

	"github.com/LN-Testbed/DSN2026/internal/config"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
)

func main() {
	kind := flag.String("kind", config.KindShared, "config kind: shared|controller|relay")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	active := flag.Int("active", 0, "size block_size for this many active nodes (shared only)")
	flag.Parse()

	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := config.Validate(path, *kind); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	if *output != "" {
		path = *output
	}
	blockSize := 0
	if *active > 0 {
		blockSize = telemetry.BlockSize(*active)
	}
	if err := config.WriteTemplate(path, *kind, blockSize, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, path)
}
