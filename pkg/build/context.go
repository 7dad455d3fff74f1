// Package build holds the immutable configuration of a test-content run and
// decides which tests run on which tenant.
package build

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/tenant"
	"github.com/spf13/afero"
)

type Options struct {
	ServerType    string
	ServerVersion string
	ProductType   string
	// Server is an explicit tenant address. It replaces the env results file.
	Server string

	APIKey      string
	BuildNumber string
	BranchName  string
	Nightly     bool
	MemCheck    bool
	UseRetries  bool
	IsAMI       bool

	ConfPath              string
	SecretPath            string
	EnvResultsPath        string
	MachineAssignmentPath string

	CloudMachineIDs         []string
	CloudServersPath        string
	CloudServersAPIKeysPath string
}

// Machine is one tenant of the build.
type Machine struct {
	ID string
	// Host is the address of an on-prem tenant. SaaS tenants have none.
	Host    string
	BaseURL string
	UIURL   string
	APIKey  string
	AuthID  string
	// Filtered are the playbooks assigned to the machine.
	Filtered []string
}

// Context is the configuration shared by every tenant worker. It is not
// modified once built.
type Context struct {
	ServerType     ServerType
	Flavor         tenant.Flavor
	ServerVersion  string
	NumericVersion *semver.Version
	ProductType    string

	APIKey      string
	BuildNumber string
	BranchName  string
	Nightly     bool
	MemCheck    bool
	UseRetries  bool
	IsAMI       bool
	LocalRun    bool

	Catalog    *conf.Catalog
	Secrets    *conf.SecretCatalog
	Assignment conf.MachineAssignment
	Machines   []Machine
}

// New loads the input files and resolves the tenants of the build. Every
// error it returns is a *conf.ConfigError or an invalid option.
func New(fs afero.Fs, opts Options, log *logging.Logger) (*Context, error) {
	serverType, err := ParseServerType(opts.ServerType)
	if err != nil {
		return nil, err
	}
	c := &Context{
		ServerType:    serverType,
		Flavor:        serverType.Flavor(),
		ServerVersion: opts.ServerVersion,
		ProductType:   opts.ProductType,
		APIKey:        opts.APIKey,
		BuildNumber:   opts.BuildNumber,
		BranchName:    opts.BranchName,
		Nightly:       opts.Nightly,
		MemCheck:      opts.MemCheck,
		UseRetries:    opts.UseRetries,
		IsAMI:         opts.IsAMI,
		LocalRun:      opts.Server != "",
	}

	if c.Catalog, err = conf.LoadCatalog(fs, opts.ConfPath); err != nil {
		return nil, err
	}
	c.Secrets = &conf.SecretCatalog{}
	if opts.SecretPath != "" {
		if c.Secrets, err = conf.LoadSecrets(fs, opts.SecretPath); err != nil {
			return nil, err
		}
	}
	c.Assignment = conf.MachineAssignment{}
	if opts.MachineAssignmentPath != "" {
		if c.Assignment, err = conf.LoadMachineAssignment(fs, opts.MachineAssignmentPath); err != nil {
			return nil, err
		}
	}

	if c.LocalRun {
		log.RealTime().Infof("Local run, assuming server version is %s", DefaultNumericVersion)
		c.NumericVersion = semver.MustParse(DefaultNumericVersion)
	} else {
		c.NumericVersion = NumericVersion(opts.ServerVersion)
		log.RealTime().Infof("Server version: %s", c.NumericVersion)
	}

	if serverType.IsSaaS() {
		c.Machines, err = c.cloudMachines(fs, opts)
	} else {
		c.Machines, err = c.onPremMachines(fs, opts, log)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) cloudMachines(fs afero.Fs, opts Options) ([]Machine, error) {
	ids := opts.CloudMachineIDs
	if len(ids) == 0 {
		ids = c.Assignment.Machines()
	}
	if len(ids) == 0 {
		return nil, errors.New("no cloud machines were given")
	}
	creds, err := conf.LoadCloudCredentials(fs, opts.CloudServersPath, opts.CloudServersAPIKeysPath, ids)
	if err != nil {
		return nil, err
	}
	machines := make([]Machine, 0, len(ids))
	for _, id := range ids {
		cred := creds[id]
		uiURL := cred.UIURL
		if uiURL == "" {
			uiURL = strings.Replace(cred.BaseURL, "https://api-", "https://", 1)
		}
		machines = append(machines, Machine{
			ID:       id,
			BaseURL:  cred.BaseURL,
			UIURL:    uiURL,
			APIKey:   cred.APIKey,
			AuthID:   cred.AuthID,
			Filtered: c.Assignment[id].Tests.TestPlaybooks,
		})
	}
	return machines, nil
}

func (c *Context) onPremMachines(fs afero.Fs, opts Options, log *logging.Logger) ([]Machine, error) {
	var ips []string
	if opts.Server != "" {
		ips = []string{opts.Server}
	} else if opts.EnvResultsPath != "" {
		envs, err := conf.LoadEnvResults(fs, opts.EnvResultsPath)
		if err != nil {
			return nil, err
		}
		ips = instanceIPs(envs, opts.ServerVersion)
	}
	if len(ips) == 0 {
		return nil, errors.New("no server instances were given")
	}

	ids := c.Assignment.Machines()
	if len(ids) > len(ips) {
		return nil, errors.Errorf("%d machines are assigned tests but only %d instances are available", len(ids), len(ips))
	}
	machines := make([]Machine, 0, len(ips))
	for i, ip := range ips {
		host := strings.TrimPrefix(strings.TrimPrefix(ip, "https://"), "http://")
		m := Machine{
			ID:      host,
			Host:    host,
			BaseURL: "https://" + host,
			APIKey:  c.APIKey,
		}
		m.UIURL = m.BaseURL
		if assigned, ok := c.Assignment[host]; ok {
			m.Filtered = assigned.Tests.TestPlaybooks
		} else if i < len(ids) && !containsIP(ips, ids[i]) {
			// machines named other than by address are matched by position
			m.ID = ids[i]
			m.Filtered = c.Assignment[ids[i]].Tests.TestPlaybooks
		}
		if len(m.Filtered) == 0 {
			log.RealTime().Warningf("No tests are assigned to %s", m.ID)
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func containsIP(ips []string, s string) bool {
	return conf.StringList(ips).Contains(s)
}

// instanceIPs returns the instances whose role matches the server version, or
// every instance when none does.
func instanceIPs(envs []conf.EnvResult, role string) []string {
	var matching, all []string
	for _, env := range envs {
		if env.InstanceDNS == "" {
			continue
		}
		all = append(all, env.InstanceDNS)
		if env.Role == role {
			matching = append(matching, env.InstanceDNS)
		}
	}
	if len(matching) > 0 {
		return matching
	}
	return all
}

func (c *Context) String() string {
	return fmt.Sprintf("Server version:%s Server Type:%s", c.ServerVersion, c.ServerType)
}
