// Package config loads the scheduler's daemon-start configuration: the
// environment inputs the daemon needs before it can serve a single
// request, read once from an INI file the way ipp-usb's conf.go reads
// ipp-usb.conf, but through gopkg.in/ini.v1 instead of a hand-rolled
// scanner.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// FileName is the configuration file name.
const FileName = "ipp-scheduler.conf"

// Config holds every environment input the daemon reads at startup,
// plus the deployment toggles that decide its ambiguous corner cases.
type Config struct {
	// ServerName identifies this scheduler instance in the admin
	// /status report and the check command's output.
	ServerName string

	// DefaultPolicy names the policy applied where no destination
	// scope exists.
	DefaultPolicy string

	// MaxJobs is the total-jobs ceiling; Validate requires it to be
	// positive, and no component compares the job count against it.
	MaxJobs int
	// MaxJobsPerUser and MaxJobsPerPrinter are the per-identity /
	// per-destination ceilings quota.Tracker.CheckJobCounts applies; no
	// handler calls CheckJobCounts, so submissions are not refused on
	// these counts.
	MaxJobsPerUser    int
	MaxJobsPerPrinter int

	// DefaultLanguage is the configured default natural language. The
	// Dispatcher does not substitute it: a request that omits
	// attributes-natural-language is rejected.
	DefaultLanguage string

	// Strict enables strict IPP conformance: read-only attributes
	// present fail the request instead of being silently dropped, and
	// a bad requesting-user-name is rejected rather than rewritten to
	// "anonymous". Missing mandatory attributes fail the request in
	// either mode.
	Strict bool

	// RemoteRootRewrite enables rewriting a remote client's
	// requesting-user-name of "root" to RemoteRootName, matching
	// CUPS's default masquerade.
	RemoteRootRewrite bool
	RemoteRootName    string

	// MaxLeaseDuration and DefaultLeaseDuration bound
	// notify-lease-duration for subscriptions.
	MaxLeaseDuration     time.Duration
	DefaultLeaseDuration time.Duration

	// Filesystem roots for persisted state.
	SpoolRoot   string
	RequestRoot string
	CacheRoot   string
	ServerRoot  string

	// QuotaPeriod is the configured quota window. The quota checks use
	// each destination's own QuotaPeriod; this value is not passed to
	// them.
	QuotaPeriod time.Duration

	// AllowFileDevices permits a device-uri with scheme "file" (a
	// hardened deployment disables local-file backends).
	AllowFileDevices bool
}

// Defaults returns the configuration used when no file is present,
// matching ipp-usb's NewConf() pattern of a fully-populated
// zero-config starting point.
func Defaults() *Config {
	return &Config{
		ServerName:           "localhost",
		DefaultPolicy:        "default",
		MaxJobs:              500,
		MaxJobsPerUser:       100,
		MaxJobsPerPrinter:    100,
		DefaultLanguage:      "en",
		Strict:               false,
		RemoteRootRewrite:    true,
		RemoteRootName:       "remroot",
		MaxLeaseDuration:     24 * time.Hour,
		DefaultLeaseDuration: time.Hour,
		SpoolRoot:            "/var/spool/ipp-scheduler",
		RequestRoot:          "/var/spool/ipp-scheduler/requests",
		CacheRoot:            "/var/cache/ipp-scheduler",
		ServerRoot:           "/etc/ipp-scheduler",
		QuotaPeriod:          24 * time.Hour,
		AllowFileDevices:     true,
	}
}

// Load reads path on top of Defaults(), the way ipp-usb's
// (*Configuration).load layers a file's [section] keys over a base
// configuration rather than requiring every key to be present.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	general := file.Section("general")
	cfg.ServerName = general.Key("ServerName").MustString(cfg.ServerName)
	cfg.DefaultPolicy = general.Key("DefaultPolicy").MustString(cfg.DefaultPolicy)
	cfg.DefaultLanguage = general.Key("DefaultLanguage").MustString(cfg.DefaultLanguage)
	cfg.Strict = general.Key("Strict").MustBool(cfg.Strict)
	cfg.RemoteRootRewrite = general.Key("RemoteRootRewrite").MustBool(cfg.RemoteRootRewrite)
	cfg.RemoteRootName = general.Key("RemoteRootName").MustString(cfg.RemoteRootName)
	cfg.AllowFileDevices = general.Key("AllowFileDevices").MustBool(cfg.AllowFileDevices)

	limits := file.Section("limits")
	cfg.MaxJobs = limits.Key("MaxJobs").MustInt(cfg.MaxJobs)
	cfg.MaxJobsPerUser = limits.Key("MaxJobsPerUser").MustInt(cfg.MaxJobsPerUser)
	cfg.MaxJobsPerPrinter = limits.Key("MaxJobsPerPrinter").MustInt(cfg.MaxJobsPerPrinter)
	cfg.QuotaPeriod = limits.Key("QuotaPeriod").MustDuration(cfg.QuotaPeriod)

	subs := file.Section("subscriptions")
	cfg.MaxLeaseDuration = subs.Key("MaxLeaseDuration").MustDuration(cfg.MaxLeaseDuration)
	cfg.DefaultLeaseDuration = subs.Key("DefaultLeaseDuration").MustDuration(cfg.DefaultLeaseDuration)

	paths := file.Section("paths")
	cfg.SpoolRoot = paths.Key("SpoolRoot").MustString(cfg.SpoolRoot)
	cfg.RequestRoot = paths.Key("RequestRoot").MustString(cfg.RequestRoot)
	cfg.CacheRoot = paths.Key("CacheRoot").MustString(cfg.CacheRoot)
	cfg.ServerRoot = paths.Key("ServerRoot").MustString(cfg.ServerRoot)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("config: ServerName must not be empty")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("config: MaxJobs must be positive")
	}
	if c.MaxJobsPerUser <= 0 || c.MaxJobsPerPrinter <= 0 {
		return fmt.Errorf("config: MaxJobsPerUser and MaxJobsPerPrinter must be positive")
	}
	if c.DefaultLeaseDuration > c.MaxLeaseDuration {
		return fmt.Errorf("config: DefaultLeaseDuration exceeds MaxLeaseDuration")
	}
	return nil
}
