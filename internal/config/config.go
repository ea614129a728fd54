// Package config loads process configuration from environment variables
// once at startup, following the same typed-struct-plus-Load() shape the
// teacher repo uses for its service configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the process needs.
type Config struct {
	// DSMURL is the base URL of the database-behind-REST service the
	// Persistence Gateway (C4) talks to.
	DSMURL string

	// ServiceRoleKey is the bearer credential sent with every Persistence
	// Gateway call.
	ServiceRoleKey string

	// VerifySSL controls TLS verification for iDRAC calls and for the
	// Persistence Gateway's HTTP client. vCenter logins do not use it and
	// always skip certificate verification. Defaults to false, matching
	// Redfish's typical self-signed certs.
	VerifySSL bool

	// IdracDefaultUser/IdracDefaultPassword are the process-wide fallback
	// credentials, last in the Credential Resolver's (C2) priority chain.
	IdracDefaultUser     string
	IdracDefaultPassword string

	// VCenterHost is optional; per-vCenter rows from persistence normally
	// override it.
	VCenterHost string

	// APIServerSSLEnabled/Cert/Key configure the Instant API Server (C14).
	// If SSL is enabled but the cert/key files are missing, the server
	// falls back to plaintext and logs a warning.
	APIServerSSLEnabled bool
	APIServerSSLCert    string
	APIServerSSLKey     string

	// ZerfauxUseStubs, when true, gives the Replication Engine (C11) a local
	// executor that reports success with empty output for every command run
	// against a Host with no hostname; commands against a remote Host still
	// go over SSH. When false, no local executor is set and commands against
	// a Host with no hostname fail.
	ZerfauxUseStubs bool

	// IdentityPermissiveADTrust is read from IDENTITY_PERMISSIVE_AD_TRUST
	// (default false). It is not passed to the Identity Normalizer (C1),
	// which resolves an NT-style prefix matching no alias or trusted domain
	// as a literal domain name regardless of this value.
	IdentityPermissiveADTrust bool

	// LocalCredEncryptionKey is a local-dev fallback used only when the
	// remote decrypt RPC is unreachable; production deployments rely
	// exclusively on the Persistence Gateway's decrypt_password RPC.
	LocalCredEncryptionKey string

	// Port is the Instant API Server's listen port.
	Port int

	// SchedulerPollIntervalSeconds is how often the Job Scheduler (C12)
	// polls the jobs table for pending rows.
	SchedulerPollIntervalSeconds int

	// SchedulerMaxConcurrent bounds how many claimed jobs run at once.
	SchedulerMaxConcurrent int

	// SchedulerInstanceID is recorded as claimed_by on every row this
	// process claims; defaults to the hostname if unset.
	SchedulerInstanceID string

	// DiscoveryWorkerPoolSize bounds the Discovery Engine's (C13) worker
	// pool for IP sweeps. PreFlight's own fan-out is a fixed max of 4
	// in-flight hosts and is not separately configurable.
	DiscoveryWorkerPoolSize int

	// DBHost/DBPort/DBName/DBUser/DBPassword configure this process's own
	// local MariaDB connection (job/step/log tables only — not named in
	// spec.md's required environment variable list, but every process
	// needs somewhere to put its own job-tracking rows).
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// IdentityNativeRealm/IdentityNativeDomain/IdentityTrustedDomains seed
	// the Identity Normalizer (C1); also not named in spec.md's required
	// variable list, but the normalizer cannot run without them.
	IdentityNativeRealm    string
	IdentityNativeDomain   string
	IdentityTrustedDomains []string
}

// Load reads every required variable from the environment, returning an
// error naming the first required value that is missing; the caller treats
// it as fatal. Required vs optional matches spec.md's EXTERNAL INTERFACES list.
func Load() (*Config, error) {
	cfg := &Config{
		DSMURL:                 os.Getenv("DSM_URL"),
		ServiceRoleKey:          os.Getenv("SERVICE_ROLE_KEY"),
		IdracDefaultUser:        os.Getenv("IDRAC_DEFAULT_USER"),
		IdracDefaultPassword:    os.Getenv("IDRAC_DEFAULT_PASSWORD"),
		VCenterHost:             os.Getenv("VCENTER_HOST"),
		APIServerSSLCert:        os.Getenv("API_SERVER_SSL_CERT"),
		APIServerSSLKey:         os.Getenv("API_SERVER_SSL_KEY"),
		LocalCredEncryptionKey:  os.Getenv("MIGRATEKIT_CRED_ENCRYPTION_KEY"),
	}

	for _, req := range []struct {
		name  string
		value string
	}{
		{"DSM_URL", cfg.DSMURL},
		{"SERVICE_ROLE_KEY", cfg.ServiceRoleKey},
		{"IDRAC_DEFAULT_USER", cfg.IdracDefaultUser},
		{"IDRAC_DEFAULT_PASSWORD", cfg.IdracDefaultPassword},
	} {
		if req.value == "" {
			return nil, fmt.Errorf("missing required environment variable %s", req.name)
		}
	}

	cfg.VerifySSL = parseBoolDefault(os.Getenv("VERIFY_SSL"), false)
	cfg.APIServerSSLEnabled = parseBoolDefault(os.Getenv("API_SERVER_SSL_ENABLED"), false)
	cfg.ZerfauxUseStubs = parseBoolDefault(os.Getenv("ZERFAUX_USE_STUBS"), false)
	cfg.IdentityPermissiveADTrust = parseBoolDefault(os.Getenv("IDENTITY_PERMISSIVE_AD_TRUST"), false)

	cfg.Port = 8080
	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			cfg.Port = v
		}
	}

	cfg.SchedulerPollIntervalSeconds = 5
	if v := os.Getenv("SCHEDULER_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerPollIntervalSeconds = n
		}
	}
	cfg.SchedulerMaxConcurrent = 10
	if v := os.Getenv("SCHEDULER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerMaxConcurrent = n
		}
	}
	cfg.SchedulerInstanceID = os.Getenv("SCHEDULER_INSTANCE_ID")
	if cfg.SchedulerInstanceID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.SchedulerInstanceID = hostname
		} else {
			cfg.SchedulerInstanceID = "scheduler-0"
		}
	}

	cfg.DiscoveryWorkerPoolSize = 5
	if v := os.Getenv("DISCOVERY_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DiscoveryWorkerPoolSize = n
		}
	}

	cfg.DBHost = os.Getenv("DB_HOST")
	if cfg.DBHost == "" {
		cfg.DBHost = "localhost"
	}
	cfg.DBPort = 3306
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = n
		}
	}
	cfg.DBName = os.Getenv("DB_NAME")
	if cfg.DBName == "" {
		cfg.DBName = "dell_infra_sync"
	}
	cfg.DBUser = os.Getenv("DB_USER")
	cfg.DBPassword = os.Getenv("DB_PASSWORD")

	cfg.IdentityNativeRealm = os.Getenv("IDENTITY_NATIVE_REALM")
	cfg.IdentityNativeDomain = os.Getenv("IDENTITY_NATIVE_DOMAIN")
	if v := os.Getenv("IDENTITY_TRUSTED_DOMAINS"); v != "" {
		cfg.IdentityTrustedDomains = strings.Split(v, ",")
	}

	return cfg, nil
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
