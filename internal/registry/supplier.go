// Package registry loads the supplier registry: the owning scopes that
// canonical records may belong to.
package registry

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// ErrUnknownScope is returned (as a resilience.InputError) for a scope
// that is not a registered supplier.
var ErrUnknownScope = eris.New("registry: unknown supplier scope")

// ErrScopeClosed is returned (as a resilience.InputError) for a supplier
// whose onboarding status does not accept records.
var ErrScopeClosed = eris.New("registry: supplier does not accept records")

// SupplierRegistry is an id-indexed set of suppliers.
type SupplierRegistry struct {
	suppliers []model.Supplier
	byID      map[string]int
}

// NewSupplierRegistry validates suppliers and indexes them by id.
func NewSupplierRegistry(suppliers []model.Supplier) (*SupplierRegistry, error) {
	r := &SupplierRegistry{
		suppliers: make([]model.Supplier, 0, len(suppliers)),
		byID:      make(map[string]int, len(suppliers)),
	}
	for i := range suppliers {
		s := suppliers[i]
		if err := s.Validate(); err != nil {
			return nil, eris.Wrap(err, "registry")
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, eris.Errorf("registry: duplicate supplier id %q", s.ID)
		}
		r.byID[s.ID] = len(r.suppliers)
		r.suppliers = append(r.suppliers, s)
	}
	sort.SliceStable(r.suppliers, func(i, j int) bool { return r.suppliers[i].ID < r.suppliers[j].ID })
	for i, s := range r.suppliers {
		r.byID[s.ID] = i
	}
	return r, nil
}

// LoadSuppliers reads a registry file with a top-level "suppliers" list.
func LoadSuppliers(path string) (*SupplierRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read suppliers %s", path)
	}

	var wrapper struct {
		Suppliers []model.Supplier `yaml:"suppliers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse suppliers")
	}
	return NewSupplierRegistry(wrapper.Suppliers)
}

// ByID returns the supplier with id, nil if absent.
func (r *SupplierRegistry) ByID(id string) *model.Supplier {
	i, ok := r.byID[id]
	if !ok {
		return nil
	}
	return &r.suppliers[i]
}

// All returns every supplier ordered by id.
func (r *SupplierRegistry) All() []model.Supplier {
	out := make([]model.Supplier, len(r.suppliers))
	copy(out, r.suppliers)
	return out
}

// Len reports the number of suppliers.
func (r *SupplierRegistry) Len() int {
	return len(r.suppliers)
}

// Accepts returns nil when records may be ingested for scope.
func (r *SupplierRegistry) Accepts(scope string) error {
	s := r.ByID(scope)
	if s == nil {
		return resilience.NewInputError(eris.Wrapf(ErrUnknownScope, "scope %q", scope))
	}
	if !s.Status.AcceptsRecords() {
		return resilience.NewInputError(eris.Wrapf(ErrScopeClosed, "scope %q is %s", scope, s.Status))
	}
	return nil
}
