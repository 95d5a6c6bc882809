// Package miner builds launch profiles for external CPU miners and runs
// them under the process supervisor with telemetry attached.
package miner

import (
	"sort"
	"strconv"

	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/pkg/errors"
)

// Default pools per miner type
const (
	DefaultWhivePool   = "stratum+tcp://206.189.2.17:3333"
	DefaultBitcoinPool = "stratum+tcp://public-pool.io:21496"
)

// KnownPools maps display names to bitcoin pool URLs
var KnownPools = map[string]string{
	"Public Pool": "stratum+tcp://public-pool.io:21496",
	"CKPool Solo": "stratum+tcp://solo.ckpool.org:3333",
	"CKPool":      "stratum+tcp://stratum.ckpool.org:3333",
	"Ocean Pool":  "stratum+tcp://stratum.ocean.xyz:3000",
	"F2Pool":      "stratum+tcp://btc.f2pool.com:1314",
	"Antpool":     "stratum+tcp://stratum.antpool.com:3333",
	"Slush Pool":  "stratum+tcp://stratum.slushpool.com:3333",
}

// PoolNames returns the KnownPools keys in sorted order
func PoolNames() []string {
	names := make([]string, 0, len(KnownPools))
	for name := range KnownPools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PoolByName resolves a known pool, falling back to DefaultBitcoinPool
func PoolByName(name string) string {
	if url, ok := KnownPools[name]; ok {
		return url
	}
	return DefaultBitcoinPool
}

// DefaultPool returns the pool a miner type uses when none is configured
func DefaultPool(minerType string) string {
	if minerType == "bitcoin" {
		return DefaultBitcoinPool
	}
	return DefaultWhivePool
}

// Profile describes how to launch one miner
type Profile struct {
	Type       string
	Executable string
	Pool       string
	Address    string
	Worker     string
	Password   string
	Threads    int
	Network    string
	Quiet      bool
}

// Algorithm returns the cpuminer -a value for the profile's miner type
func (p Profile) Algorithm() string {
	switch p.Type {
	case "bitcoin":
		return "sha256d"
	case "whive":
		return "yespower"
	default:
		return ""
	}
}

// ProcessName is the supervisor key used for this miner
func (p Profile) ProcessName() string {
	return p.Type + "_miner"
}

// PoolURL returns the configured pool or the miner type's default
func (p Profile) PoolURL() string {
	if p.Pool == "" {
		return DefaultPool(p.Type)
	}
	return p.Pool
}

// User returns the "<address>.<worker>" login
func (p Profile) User() string {
	if p.Worker == "" {
		return p.Address
	}
	return p.Address + "." + p.Worker
}

// Args builds the miner command line, e.g.
//
//	-a yespower -o stratum+tcp://206.189.2.17:3333 -u ADDR.w1 -t 2
//	-a sha256d -o stratum+tcp://public-pool.io:21496 -u ADDR.w1 -p x -t 1
func (p Profile) Args() []string {
	pool := p.PoolURL()

	var args []string
	if algo := p.Algorithm(); algo != "" {
		args = append(args, "-a", algo)
	}
	args = append(args, "-o", pool, "-u", p.User())

	password := p.Password
	if password == "" && p.Type == "bitcoin" {
		password = "x"
	}
	if password != "" {
		args = append(args, "-p", password)
	}

	args = append(args, "-t", strconv.Itoa(max(p.Threads, 1)))
	if p.Quiet {
		args = append(args, "-q")
	}
	return args
}

// Validate checks the profile before launch
func (p Profile) Validate() error {
	if p.Type == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_profile", "miner type is required")
	}
	if p.Executable == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_profile", "executable name is required").
			WithContext("miner_type", p.Type)
	}
	if p.Threads < 1 {
		return errors.New(errors.ErrorTypeValidation, "validate_profile", "thread count must be at least 1").
			WithContext("threads", p.Threads)
	}
	if p.Worker == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_profile", "worker name is required")
	}
	if p.Pool != "" {
		if _, _, err := stratum.ParseURL(p.Pool); err != nil {
			return err
		}
	}
	return validation.ValidateAddress(p.Type, p.Network, p.Address)
}
