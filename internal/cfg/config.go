// Package cfg defines the depmerge configuration, its defaults, loading
// from a TOML file and validation.
// Every validation failure is an *InvalidError, the callers treat it as a
// fatal configuration error.
package cfg

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/simplesurance/depmerge/internal/bump"
	"github.com/simplesurance/depmerge/internal/policy"
)

// Config holds all settings of a depmerge run.
// Comma-separated list options mirror the flag format, they are split and
// validated on access.
type Config struct {
	GithubAPIToken string `toml:"github_api_token"`
	LogFormat      string `toml:"log_format"`
	LogLevel       string `toml:"log_level"`
	LogTimeKey     string `toml:"log_time_key"`

	// AllowedActors restricts which pull request authors are evaluated,
	// empty permits all.
	AllowedActors string `toml:"allowed_actors"`
	// AllowedUpdateTypes is a list of category:bumpType entries, e.g.
	// "dependencies:patch,devDependencies:minor".
	AllowedUpdateTypes string `toml:"allowed_update_types"`
	PackageBlockList   string `toml:"package_block_list"`
	PackageAllowList   string `toml:"package_allow_list"`

	Approve      bool   `toml:"approve"`
	Merge        bool   `toml:"merge"`
	MergeMethod  string `toml:"merge_method"`
	UseAutoMerge bool   `toml:"use_auto_merge"`

	// APITimeout bounds a single github API request, in time.Duration
	// notation.
	APITimeout string `toml:"api_timeout"`
}

// InvalidError describes a rejected configuration option.
type InvalidError struct {
	Option string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Option, e.Reason)
}

// Default returns the configuration with all options at their default
// value.
func Default() *Config {
	return &Config{
		LogFormat:          "logfmt",
		LogLevel:           "info",
		LogTimeKey:         "time",
		AllowedUpdateTypes: "dependencies:patch,devDependencies:patch",
		Approve:            true,
		Merge:              true,
		MergeMethod:        "merge",
		APITimeout:         "1m",
	}
}

// File is a parsed configuration document.
// It records which options the document sets, Apply only overrides those.
type File struct {
	config Config
	tree   *toml.Tree
}

// Load reads a TOML configuration document.
func Load(reader io.Reader) (*File, error) {
	tree, err := toml.LoadReader(reader)
	if err != nil {
		return nil, err
	}

	var result Config
	if err := tree.Unmarshal(&result); err != nil {
		return nil, err
	}

	return &File{config: result, tree: tree}, nil
}

// Config returns the options of the document, unset options are zero.
func (f *File) Config() *Config {
	config := f.config
	return &config
}

// Apply copies every option that the document sets onto dest.
// Options the document does not mention keep their value in dest, setting an
// option in a file never changes the default of another one.
func (f *File) Apply(dest *Config) {
	stringOpts := map[string]*string{
		"github_api_token":     &dest.GithubAPIToken,
		"log_format":           &dest.LogFormat,
		"log_level":            &dest.LogLevel,
		"log_time_key":         &dest.LogTimeKey,
		"allowed_actors":       &dest.AllowedActors,
		"allowed_update_types": &dest.AllowedUpdateTypes,
		"package_block_list":   &dest.PackageBlockList,
		"package_allow_list":   &dest.PackageAllowList,
		"merge_method":         &dest.MergeMethod,
		"api_timeout":          &dest.APITimeout,
	}

	loaded := map[string]string{
		"github_api_token":     f.config.GithubAPIToken,
		"log_format":           f.config.LogFormat,
		"log_level":            f.config.LogLevel,
		"log_time_key":         f.config.LogTimeKey,
		"allowed_actors":       f.config.AllowedActors,
		"allowed_update_types": f.config.AllowedUpdateTypes,
		"package_block_list":   f.config.PackageBlockList,
		"package_allow_list":   f.config.PackageAllowList,
		"merge_method":         f.config.MergeMethod,
		"api_timeout":          f.config.APITimeout,
	}

	for key, destVal := range stringOpts {
		if f.tree.Has(key) {
			*destVal = loaded[key]
		}
	}

	if f.tree.Has("approve") {
		dest.Approve = f.config.Approve
	}

	if f.tree.Has("merge") {
		dest.Merge = f.config.Merge
	}

	if f.tree.Has("use_auto_merge") {
		dest.UseAutoMerge = f.config.UseAutoMerge
	}
}

var mergeMethods = map[string]struct{}{
	"merge":  {},
	"squash": {},
	"rebase": {},
}

var logFormats = map[string]struct{}{
	"logfmt":  {},
	"json":    {},
	"console": {},
}

// Validate checks all options.
// It returns an *InvalidError for the first rejected option.
func (c *Config) Validate() error {
	if _, valid := mergeMethods[c.MergeMethod]; !valid {
		return &InvalidError{
			Option: "merge-method",
			Reason: fmt.Sprintf("%q is not one of: merge, squash, rebase", c.MergeMethod),
		}
	}

	if _, valid := logFormats[c.LogFormat]; !valid {
		return &InvalidError{
			Option: "log-format",
			Reason: fmt.Sprintf("%q is not one of: logfmt, json, console", c.LogFormat),
		}
	}

	if _, err := c.AllowedUpdates(); err != nil {
		return err
	}

	if _, err := c.APITimeoutDuration(); err != nil {
		return err
	}

	return nil
}

// APITimeoutDuration parses the api-timeout option.
func (c *Config) APITimeoutDuration() (time.Duration, error) {
	timeout, err := time.ParseDuration(c.APITimeout)
	if err != nil {
		return 0, &InvalidError{
			Option: "api-timeout",
			Reason: err.Error(),
		}
	}

	if timeout <= 0 {
		return 0, &InvalidError{
			Option: "api-timeout",
			Reason: "must be a positive duration",
		}
	}

	return timeout, nil
}

// AllowedUpdates parses the allowed-update-types option into the policy
// representation.
func (c *Config) AllowedUpdates() (policy.AllowedUpdates, error) {
	result := policy.AllowedUpdates{}

	for _, entry := range splitList(c.AllowedUpdateTypes) {
		category, bumpName, found := strings.Cut(entry, ":")
		if !found {
			return nil, &InvalidError{
				Option: "allowed-update-types",
				Reason: fmt.Sprintf("entry %q is not in category:bumpType format", entry),
			}
		}

		if !policy.KnownCategory(category) {
			return nil, &InvalidError{
				Option: "allowed-update-types",
				Reason: fmt.Sprintf("%q is not a recognized dependency category", category),
			}
		}

		bumpType, err := bump.FromString(bumpName)
		if err != nil {
			return nil, &InvalidError{
				Option: "allowed-update-types",
				Reason: err.Error(),
			}
		}

		if result[category] == nil {
			result[category] = map[bump.Type]struct{}{}
		}

		result[category][bumpType] = struct{}{}
	}

	return result, nil
}

// NameFilters returns the dependency-name filters of the configuration.
func (c *Config) NameFilters() policy.NameFilters {
	return policy.NameFilters{
		Block: toSet(splitList(c.PackageBlockList)),
		Allow: toSet(splitList(c.PackageAllowList)),
	}
}

// ActorAllowSet returns the allowed-actors option as a set.
func (c *Config) ActorAllowSet() map[string]struct{} {
	return toSet(splitList(c.AllowedActors))
}

func splitList(in string) []string {
	var result []string

	for _, entry := range strings.Split(in, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		result = append(result, entry)
	}

	return result
}

func toSet(in []string) map[string]struct{} {
	if len(in) == 0 {
		return nil
	}

	result := make(map[string]struct{}, len(in))
	for _, entry := range in {
		result[entry] = struct{}{}
	}

	return result
}
