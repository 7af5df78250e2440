// Package config loads the publisher's configuration.
//
// Configuration is layered: built-in defaults, then each file added with
// AddLayer (JSON, or YAML when the extension is .yaml or .yml), then
// environment variables prefixed with REFDATA_. Durations may be written as
// strings ("60s", "2m", "7d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/refdata/base.yaml")
//	loader.AddLayer("/etc/refdata/production.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Supported environment overrides:
//
//	REFDATA_SOURCE_URL, REFDATA_SOURCE_TIMEOUT
//	REFDATA_AGENT_INTERVAL, REFDATA_AGENT_NAME
//	REFDATA_COMPILER_AGGREGATE_PREFIX
//	REFDATA_PUBLISHER_FILE_NAME, REFDATA_PUBLISHER_STAGING_DIR
//	REFDATA_STORAGE_BACKEND, REFDATA_STORAGE_DIR, REFDATA_STORAGE_BUCKET
//	REFDATA_NATS_URLS (comma separated), REFDATA_NATS_USERNAME,
//	REFDATA_NATS_PASSWORD, REFDATA_NATS_TOKEN
//	REFDATA_HTTP_ADDR
//
// Validation rejects polling intervals below one minute and publisher time
// layouts without a minute component, since either would let one publish
// overwrite another inside the same time bucket.
package config
