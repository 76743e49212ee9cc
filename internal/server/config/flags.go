package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/homebase-id/odin-transit/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-t string   tenants to serve, comma separated
//	-k string   hex-encoded master key
//	-n int      delivery batch size
//	-m int      attempt ceiling before permanent failure
//	-i int      worker poll interval, seconds
//	-o string   storage root for committed transfers
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. The
// connection and fingerprint tables are file-only: they do not fit a flag.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-t", "-k", "-n", "-m", "-i", "-o", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	tenants := fs.String("t", strings.Join(config.Tenants, ","), "tenants to serve (comma separated)")
	fs.StringVar(&config.MasterKey, "k", config.MasterKey, "hex-encoded master key")

	fs.IntVar(&config.BatchSize, "n", config.BatchSize, "delivery batch size")
	fs.IntVar(&config.AttemptCeiling, "m", config.AttemptCeiling, "attempt ceiling")
	pollSeconds := fs.Int("i", int(config.PollInterval.Seconds()), "poll interval (in seconds)")

	fs.StringVar(&config.StorageRoot, "o", config.StorageRoot, "storage root")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.Tenants = strings.Split(*tenants, ",")
	config.PollInterval = time.Duration(*pollSeconds) * time.Second
}
