package main

import (
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// serverEnv holds the process-level switches read from the environment.
// Scheduler tuning has its own REGIONS_* overlay in package tuning.
type serverEnv struct {
	DeployEnv       string `env:"DEPLOY_ENV"`
	EnableAdminHTTP string `env:"REGIONS_ENABLE_ADMIN_HTTP"`
	EnablePprofHTTP bool   `env:"REGIONS_ENABLE_PPROF_HTTP" envDefault:"false"`

	IndexBackend    string `env:"REGIONS_INDEX_BACKEND" envDefault:"sqlite"`
	IngestURL       string `env:"REGIONS_INDEX_INGEST_URL"`
	IngestToken     string `env:"REGIONS_INDEX_INGEST_TOKEN"`
	IngestBatchSize int    `env:"REGIONS_INDEX_INGEST_BATCH_SIZE" envDefault:"128"`
	IngestFlushMs   int    `env:"REGIONS_INDEX_INGEST_FLUSH_MS" envDefault:"500"`
}

func loadServerEnv() (serverEnv, error) {
	var e serverEnv
	if err := env.Parse(&e); err != nil {
		return e, err
	}
	return e, nil
}

// adminEnabled defaults to on outside staging and production.
func (e serverEnv) adminEnabled() bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(e.EnableAdminHTTP)); err == nil {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(e.DeployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
