package model

import "time"

// MetricCosine is the only distance metric namespaces are created with.
const MetricCosine = "cosine"

// Namespace is the isolated storage unit of one (tenant, project) pair.
type Namespace struct {
	Name      string
	TenantID  string
	ProjectID string
	Dimension int
	Metric    string
	FullText  bool
	CreatedAt time.Time
}

// Owns reports whether the record belongs to this namespace's pair.
func (ns *Namespace) Owns(m *Memory) bool {
	return m != nil && m.TenantID == ns.TenantID && m.ProjectID == ns.ProjectID
}
