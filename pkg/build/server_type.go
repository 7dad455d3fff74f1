package build

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/tenant"
)

// ServerType is the product the tenants of a build run.
type ServerType string

const (
	XSOAR     ServerType = "XSOAR"
	XSOARSaaS ServerType = "XSOAR SAAS"
	XSIAM     ServerType = "XSIAM"
	XPANSE    ServerType = "XPANSE"
)

// DefaultNumericVersion is assumed for master builds and unknown version tags.
// It is newer than any released server.
const DefaultNumericVersion = "99.99.98"

func ParseServerType(s string) (ServerType, error) {
	switch t := ServerType(strings.ToUpper(strings.TrimSpace(s))); t {
	case XSOAR, XSOARSaaS, XSIAM, XPANSE:
		return t, nil
	case "":
		return XSOAR, nil
	default:
		return "", errors.Errorf("unknown server type %q", s)
	}
}

func (t ServerType) Flavor() tenant.Flavor {
	switch t {
	case XSOARSaaS:
		return tenant.XSOARSaaS
	case XSIAM, XPANSE:
		return tenant.XSIAM
	default:
		return tenant.OnPrem
	}
}

func (t ServerType) IsSaaS() bool {
	return t != XSOAR
}

// marketplaceServers maps a content marketplace to the server types that
// install it.
var marketplaceServers = map[string][]ServerType{
	"xsoar":         {XSOAR, XSOARSaaS},
	"marketplacev2": {XSIAM},
	"xpanse":        {XPANSE},
	"xsoar_saas":    {XSOARSaaS},
	"xsoar_on_prem": {XSOAR},
}

// MatchesMarketplaces reports whether any of the marketplaces is installed on
// servers of type t.
func (t ServerType) MatchesMarketplaces(marketplaces []string) bool {
	for _, m := range marketplaces {
		for _, st := range marketplaceServers[strings.ToLower(m)] {
			if st == t {
				return true
			}
		}
	}
	return false
}

var serverVersions = func() map[string]string {
	m := map[string]string{
		"Server Master": DefaultNumericVersion,
		"XSIAM Master":  DefaultNumericVersion,
		"XPANSE Master": DefaultNumericVersion,
	}
	for minor := 0; minor <= 14; minor++ {
		m[fmt.Sprintf("Server 6.%d", minor)] = fmt.Sprintf("6.%d.0", minor)
	}
	for minor := 0; minor <= 9; minor++ {
		m[fmt.Sprintf("Server 8.%d", minor)] = fmt.Sprintf("8.%d.0", minor)
	}
	return m
}()

// NumericVersion resolves a server version tag such as "Server 6.10".
func NumericVersion(tag string) *semver.Version {
	v, ok := serverVersions[strings.TrimSpace(tag)]
	if !ok {
		v = DefaultNumericVersion
	}
	return semver.MustParse(v)
}
