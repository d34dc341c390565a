package main

import (
	"log"

	"github.com/danmuck/blocksync/internal/config"
	"github.com/danmuck/blocksync/internal/quickstart"
	"github.com/spf13/pflag"
)

func defaultPath(kind string) string {
	switch kind {
	case "sync":
		return "cmd/syncctl/config.toml"
	case "device":
		return "cmd/devicesim/config.toml"
	case "glycol":
		return "cmd/syncctl/glycol.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := pflag.String("kind", "sync", "config kind: sync|device|glycol")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "sync":
			if _, err := config.LoadSyncConfig(path); err != nil {
				log.Fatal(err)
			}
		case "device":
			if _, err := config.LoadDeviceConfig(path); err != nil {
				log.Fatal(err)
			}
		case "glycol":
			if _, err := quickstart.LoadGlycolConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
