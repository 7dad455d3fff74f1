package tenant

import (
	"context"
	"fmt"
	"strings"
)

// Flavor is the kind of tenant. XSIAM tenants, and XPANSE which behaves the
// same, call incidents alerts.
type Flavor int

const (
	OnPrem Flavor = iota
	XSOARSaaS
	XSIAM
)

func (f Flavor) String() string {
	switch f {
	case XSOARSaaS:
		return "xsoar-saas"
	case XSIAM:
		return "xsiam"
	default:
		return "xsoar-on-prem"
	}
}

func (f Flavor) IsSaaS() bool {
	return f != OnPrem
}

// Noun is what the tenant calls the unit of execution.
func (f Flavor) Noun() string {
	if f == XSIAM {
		return "alert"
	}
	return "incident"
}

// InvestigationID returns the investigation of a created incident. On-prem
// servers return it explicitly, SaaS tenants reuse the incident id.
func (f Flavor) InvestigationID(inc *Incident) string {
	if f == OnPrem {
		return inc.InvestigationID
	}
	return inc.ID
}

// SearchQuery finds a created incident. SaaS tenants index by name only.
func (f Flavor) SearchQuery(inc *Incident, name string) string {
	if f == OnPrem {
		return "id: " + inc.ID
	}
	return fmt.Sprintf("name:%q", name)
}

// CanBatchDelete reports whether incidents can be deleted rather than closed.
func (f Flavor) CanBatchDelete() bool {
	return f == OnPrem
}

// InvestigationURL links to the work plan of an investigation.
func (f Flavor) InvestigationURL(baseURL, uiURL, investigationID string) string {
	switch f {
	case XSIAM:
		return fmt.Sprintf("%sincident-view/alerts_and_insights?caseId=%s&action:openAlertDetails=%s-work_plan",
			withSlash(uiURL), investigationID, investigationID)
	case XSOARSaaS:
		return fmt.Sprintf("%sWorkPlan/%s", withSlash(uiURL), investigationID)
	default:
		return fmt.Sprintf("%s/#/WorkPlan/%s", strings.TrimRight(baseURL, "/"), investigationID)
	}
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// IncidentRemover is implemented by *Client.
type IncidentRemover interface {
	BatchDeleteIncidents(ctx context.Context, ids ...string) error
	CloseIncident(ctx context.Context, id string) error
}

// RemoveIncident deletes an incident where the tenant supports it and closes it
// otherwise.
func (f Flavor) RemoveIncident(ctx context.Context, c IncidentRemover, id string) error {
	if f.CanBatchDelete() {
		return c.BatchDeleteIncidents(ctx, id)
	}
	return c.CloseIncident(ctx, id)
}
