package config

import (
	"encoding/json"
	"os"

	"github.com/homebase-id/odin-transit/internal/flagx"
	"github.com/homebase-id/odin-transit/internal/timex"
)

// JsonConfig is the DTO for the JSON configuration file. Interval fields use
// timex.Duration so the file can express them either as strings such as
// "30s" or as integer nanoseconds. After unmarshalling, set fields are
// overlaid onto the runtime Config.
type JsonConfig struct {
	DatabaseDSN string   `json:"database_dsn"`
	Tenants     []string `json:"tenants"`
	MasterKey   string   `json:"master_key"`

	BatchSize          int            `json:"batch_size"`
	AttemptCeiling     int            `json:"attempt_ceiling"`
	MaxConcurrentSends int            `json:"max_concurrent_sends"`
	PollInterval   timex.Duration `json:"poll_interval"`
	SendTimeout    timex.Duration `json:"send_timeout"`

	RetryBaseUnavailable timex.Duration `json:"retry_base_unavailable"`
	RetryCapUnavailable  timex.Duration `json:"retry_cap_unavailable"`
	RetryBaseRateLimited timex.Duration `json:"retry_base_rate_limited"`
	RetryCapRateLimited  timex.Duration `json:"retry_cap_rate_limited"`

	RecoveryInterval     timex.Duration `json:"recovery_interval"`
	RecoveryAgeThreshold timex.Duration `json:"recovery_age_threshold"`

	RequirePayloadAcceptance *bool  `json:"require_payload_acceptance"`
	MaxPayloadSize           int64  `json:"max_payload_size"`
	StorageRoot              string `json:"storage_root"`

	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	Connections  map[string]map[string]string `json:"connections"`
	Fingerprints map[string]string            `json:"fingerprints"`
}

// parseJson loads configuration values from the JSON file named by the -c or
// -config command-line flags. Without the flag no file is loaded. Fields
// omitted from the file keep their current values; an unreadable or invalid
// file panics, since running with a half-applied config is worse than not
// starting.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	applyJson(config, c)
}

func applyJson(config *Config, c *JsonConfig) {
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if len(c.Tenants) > 0 {
		config.Tenants = c.Tenants
	}
	if c.MasterKey != "" {
		config.MasterKey = c.MasterKey
	}
	if c.BatchSize > 0 {
		config.BatchSize = c.BatchSize
	}
	if c.AttemptCeiling > 0 {
		config.AttemptCeiling = c.AttemptCeiling
	}
	if c.MaxConcurrentSends > 0 {
		config.MaxConcurrentSends = c.MaxConcurrentSends
	}
	if c.PollInterval.Duration > 0 {
		config.PollInterval = c.PollInterval.Duration
	}
	if c.SendTimeout.Duration > 0 {
		config.SendTimeout = c.SendTimeout.Duration
	}
	if c.RetryBaseUnavailable.Duration > 0 {
		config.RetryBaseUnavailable = c.RetryBaseUnavailable.Duration
	}
	if c.RetryCapUnavailable.Duration > 0 {
		config.RetryCapUnavailable = c.RetryCapUnavailable.Duration
	}
	if c.RetryBaseRateLimited.Duration > 0 {
		config.RetryBaseRateLimited = c.RetryBaseRateLimited.Duration
	}
	if c.RetryCapRateLimited.Duration > 0 {
		config.RetryCapRateLimited = c.RetryCapRateLimited.Duration
	}
	if c.RecoveryInterval.Duration > 0 {
		config.RecoveryInterval = c.RecoveryInterval.Duration
	}
	if c.RecoveryAgeThreshold.Duration > 0 {
		config.RecoveryAgeThreshold = c.RecoveryAgeThreshold.Duration
	}
	if c.RequirePayloadAcceptance != nil {
		config.RequirePayloadAcceptance = *c.RequirePayloadAcceptance
	}
	if c.MaxPayloadSize > 0 {
		config.MaxPayloadSize = c.MaxPayloadSize
	}
	if c.StorageRoot != "" {
		config.StorageRoot = c.StorageRoot
	}
	if c.S3AccessKey != "" {
		config.S3AccessKey = c.S3AccessKey
	}
	if c.S3SecretKey != "" {
		config.S3SecretKey = c.S3SecretKey
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
	if c.Connections != nil {
		config.Connections = c.Connections
	}
	if c.Fingerprints != nil {
		config.Fingerprints = c.Fingerprints
	}
}
