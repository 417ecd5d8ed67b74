package heuristics

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Address labels are operator-supplied tags (theft origin, sanctioned
// entity, exchange hot wallet, ...). They are the only source of node risk
// levels: an address without a label stays "unknown".
//
// Addresses are keyed lower-cased so EVM checksum casing does not matter.

// ErrLabelNotFound is returned when an address has no label.
var ErrLabelNotFound = errors.New("label not found")

// AddressLabel holds operator metadata for one address
type AddressLabel struct {
	Address  string    `json:"address"`
	Role     string    `json:"role"`  // theft/sanctioned/suspect/mixer/exchange/service/unknown
	Label    string    `json:"label"` // Human-readable name
	Notes    string    `json:"notes,omitempty"`
	TaggedBy string    `json:"taggedBy,omitempty"`
	TaggedAt time.Time `json:"taggedAt"`
}

// RiskLevel is the node risk level implied by the label's role
func (l AddressLabel) RiskLevel() models.RiskLevel {
	return RiskLevelForRole(l.Role)
}

// RiskFactors returns the reasons recorded on a node carrying this label
func (l AddressLabel) RiskFactors() []string {
	factors := []string{"role: " + l.Role}
	if l.Label != "" {
		factors = append([]string{"label: " + l.Label}, factors...)
	}
	if l.Notes != "" {
		factors = append(factors, l.Notes)
	}
	return factors
}

// LabelSource resolves labels for a batch of addresses. The returned map is
// keyed by lower-cased address and omits unlabeled addresses.
type LabelSource interface {
	LookupLabels(ctx context.Context, addresses []string) (map[string]AddressLabel, error)
}

// LabelStore is a LabelSource that operators can write to.
type LabelStore interface {
	LabelSource
	UpsertLabel(ctx context.Context, l AddressLabel) (AddressLabel, error)
	GetLabel(ctx context.Context, address string) (AddressLabel, error)
	DeleteLabel(ctx context.Context, address string) error
	ListLabels(ctx context.Context, page, limit int) ([]AddressLabel, int, error)
}

// LabelRegistry is a concurrent-safe in-memory LabelStore, used when no
// database is configured
type LabelRegistry struct {
	mu     sync.RWMutex
	labels map[string]AddressLabel
}

// NewLabelRegistry creates an empty registry
func NewLabelRegistry() *LabelRegistry {
	return &LabelRegistry{
		labels: make(map[string]AddressLabel),
	}
}

// Tag records or replaces the label for an address
func (r *LabelRegistry) Tag(l AddressLabel) {
	if l.TaggedAt.IsZero() {
		l.TaggedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[strings.ToLower(l.Address)] = l
}

// Remove drops the label for an address
func (r *LabelRegistry) Remove(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.labels, strings.ToLower(addr))
}

// Get returns the label for an address
func (r *LabelRegistry) Get(addr string) (AddressLabel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.labels[strings.ToLower(addr)]
	return l, ok
}

// LookupLabels implements LabelSource
func (r *LabelRegistry) LookupLabels(_ context.Context, addresses []string) (map[string]AddressLabel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]AddressLabel)
	for _, addr := range addresses {
		key := strings.ToLower(addr)
		if l, ok := r.labels[key]; ok {
			found[key] = l
		}
	}
	return found, nil
}

// UpsertLabel implements LabelStore
func (r *LabelRegistry) UpsertLabel(_ context.Context, l AddressLabel) (AddressLabel, error) {
	l.Address = strings.ToLower(l.Address)
	l.TaggedAt = time.Now().UTC()
	r.Tag(l)
	return l, nil
}

// GetLabel implements LabelStore
func (r *LabelRegistry) GetLabel(_ context.Context, address string) (AddressLabel, error) {
	l, ok := r.Get(address)
	if !ok {
		return AddressLabel{}, ErrLabelNotFound
	}
	return l, nil
}

// DeleteLabel implements LabelStore
func (r *LabelRegistry) DeleteLabel(_ context.Context, address string) error {
	r.Remove(address)
	return nil
}

// ListLabels pages through labels, newest first, and returns the total count
func (r *LabelRegistry) ListLabels(_ context.Context, page, limit int) ([]AddressLabel, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}

	r.mu.RLock()
	all := make([]AddressLabel, 0, len(r.labels))
	for _, l := range r.labels {
		all = append(all, l)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b AddressLabel) int {
		if c := b.TaggedAt.Compare(a.TaggedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})

	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

// Size returns the number of labeled addresses
func (r *LabelRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.labels)
}

var _ LabelStore = (*LabelRegistry)(nil)
