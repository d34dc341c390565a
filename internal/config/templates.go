package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sync":
		return syncTemplate, nil
	case "device":
		return deviceTemplate, nil
	case "glycol":
		return glycolTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const syncTemplate = `name = "syncctl"
api_url = "http://localhost:9200/api"
feed = "sse"
request_timeout = "10s"
# ca_file = "/etc/blocksync/device-ca.crt"
services = ["spark-one"]
catalog_files = []
listen_addr = ":9300"
cors_origins = ["http://localhost:3000"]
# api_token = "change-me"
# quickstart = "glycol.toml"

[collections]
presets = "default"
layouts = "default"
processes = "default"

[backoff]
initial = "250ms"
multiplier = 2.0
max = "10s"
jitter = true
`

const deviceTemplate = `name = "devicesim"
addr = ":9200"
services = ["spark-one"]
sample_data = true
cors_origins = ["http://localhost:3000"]
`

const glycolTemplate = `service_id = "spark-one"
prefix = "FV1"
heated = false
glycol_control = "No"
beer_setting = 20.0

[cool_pin]
array_id = "Spark Pins"
channel = 1

# [heat_pin]
# array_id = "Spark Pins"
# channel = 2
`
