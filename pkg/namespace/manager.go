package namespace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

const DefaultPrefix = "memories_"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	prefixPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]{0,26}$`)
)

// Store is the part of the repository the manager needs
type Store interface {
	EnsureNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error)
	LookupNamespace(ctx context.Context, name string) (*model.Namespace, error)
	FullText() bool
}

type key struct {
	tenantID  string
	projectID string
}

// Manager maps (tenant, project) pairs to storage namespaces and keeps a
// process-wide cache of resolved handles.
type Manager struct {
	store     Store
	prefix    string
	dimension int
	cache     sync.Map // key -> *model.Namespace
	now       func() time.Time
}

type Option func(*Manager)

// WithPrefix sets the namespace name prefix
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a namespace manager for embeddings of the given dimension
func New(store Store, dimension int, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:     store,
		prefix:    DefaultPrefix,
		dimension: dimension,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := ValidatePrefix(m.prefix); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, goerr.Wrap(model.ErrConfiguration, "embedding dimension must be positive",
			goerr.V("dimension", dimension))
	}

	return m, nil
}

// ValidatePrefix checks a namespace name prefix. With the 32 hex digest and
// a 4 char index suffix the longest prefix still fits a 63 byte identifier.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return goerr.Wrap(model.ErrConfiguration, "namespace prefix must match "+prefixPattern.String(),
			goerr.V("prefix", prefix))
	}
	return nil
}

// ValidateIdentifier checks a tenant or project identifier
func ValidateIdentifier(field, id string) error {
	if !identifierPattern.MatchString(id) {
		return goerr.Wrap(model.ErrInvalidIdentifier, "identifier must be 1-128 chars of letters, digits, '_' or '-'",
			goerr.V("field", field), goerr.V("value", id))
	}
	return nil
}

// Name derives the storage name of a pair. The length prefix keeps
// ("a:b", "c") and ("a", "b:c") apart before hashing.
func Name(prefix, tenantID, projectID string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(len(tenantID))))
	h.Write([]byte{':'})
	h.Write([]byte(tenantID))
	h.Write([]byte{':'})
	h.Write([]byte(projectID))
	return prefix + hex.EncodeToString(h.Sum(nil))[:32]
}

// Resolve returns the namespace of the pair. With create set the namespace
// is created when absent, otherwise a missing namespace is model.ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, tenantID, projectID string, create bool) (*model.Namespace, error) {
	if err := ValidateIdentifier("tenant_id", tenantID); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier("project_id", projectID); err != nil {
		return nil, err
	}

	k := key{tenantID: tenantID, projectID: projectID}
	if v, ok := m.cache.Load(k); ok {
		return v.(*model.Namespace), nil
	}

	name := Name(m.prefix, tenantID, projectID)
	logger := logging.From(ctx).With("namespace", name)

	var (
		ns  *model.Namespace
		err error
	)
	if create {
		ns, err = m.store.EnsureNamespace(ctx, &model.Namespace{
			Name:      name,
			TenantID:  tenantID,
			ProjectID: projectID,
			Dimension: m.dimension,
			Metric:    model.MetricCosine,
			FullText:  m.store.FullText(),
			CreatedAt: m.now().UTC(),
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to ensure namespace",
				goerr.V("namespace", name), goerr.V("tenant_id", tenantID), goerr.V("project_id", projectID))
		}
	} else {
		ns, err = m.store.LookupNamespace(ctx, name)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			return nil, goerr.Wrap(err, "failed to lookup namespace", goerr.V("namespace", name))
		}
	}

	if ns.TenantID != tenantID || ns.ProjectID != projectID {
		// only possible on a digest collision or a foreign table
		return nil, goerr.Wrap(model.ErrConfiguration, "namespace belongs to another pair",
			goerr.V("namespace", name),
			goerr.V("stored_tenant_id", ns.TenantID), goerr.V("stored_project_id", ns.ProjectID))
	}
	if ns.Dimension != m.dimension {
		return nil, goerr.Wrap(model.ErrConfiguration, "namespace dimension differs from configured dimension",
			goerr.V("namespace", name), goerr.V("stored", ns.Dimension), goerr.V("configured", m.dimension))
	}

	actual, loaded := m.cache.LoadOrStore(k, ns)
	if !loaded {
		logger.Debug("namespace resolved", "created", create, "full_text", ns.FullText)
	}
	return actual.(*model.Namespace), nil
}

// Dimension is the embedding dimension every namespace is created with
func (m *Manager) Dimension() int { return m.dimension }
