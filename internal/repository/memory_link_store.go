package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// merchantPartition holds one merchant's links and the event references bound to them.
type merchantPartition struct {
	mu    sync.Mutex
	links map[string]models.PaymentLink
	refs  map[string]string // event ref -> link id
}

// MemoryLinkStore is an in-memory LinkStore partitioned by merchant address.
// It is used for local development and tests.
type MemoryLinkStore struct {
	mu         sync.RWMutex
	partitions map[string]*merchantPartition
	now        func() time.Time
}

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{
		partitions: make(map[string]*merchantPartition),
		now:        time.Now,
	}
}

func (m *MemoryLinkStore) partition(merchant string, create bool) *merchantPartition {
	merchant = models.NormalizeAddress(merchant)

	m.mu.RLock()
	p, ok := m.partitions[merchant]
	m.mu.RUnlock()
	if ok || !create {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.partitions[merchant]; !ok {
		p = &merchantPartition{
			links: make(map[string]models.PaymentLink),
			refs:  make(map[string]string),
		}
		m.partitions[merchant] = p
	}
	return p
}

func (m *MemoryLinkStore) Create(ctx context.Context, link models.PaymentLink) error {
	p := m.partition(link.MerchantAddress, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.links[link.ID]; exists {
		return fmt.Errorf("payment link %s already exists", link.ID)
	}

	now := m.now()
	link.MerchantAddress = models.NormalizeAddress(link.MerchantAddress)
	link.Status = models.StatusActive
	link.MatchedEventRef = ""
	link.MatchedBlock = 0
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = now
	p.links[link.ID] = link
	return nil
}

func (m *MemoryLinkStore) Get(ctx context.Context, merchant, linkID string) (*models.PaymentLink, error) {
	p := m.partition(merchant, false)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	link, ok := p.links[linkID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}
	return &link, nil
}

func (m *MemoryLinkStore) ListPending(ctx context.Context, merchant string) ([]models.PaymentLink, error) {
	p := m.partition(merchant, false)
	if p == nil {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var links []models.PaymentLink
	for _, link := range p.links {
		if link.IsOpen() {
			links = append(links, link)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
	return links, nil
}

func (m *MemoryLinkStore) ListMerchants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var merchants []string
	for merchant, p := range m.partitions {
		p.mu.Lock()
		for _, link := range p.links {
			if link.IsOpen() {
				merchants = append(merchants, merchant)
				break
			}
		}
		p.mu.Unlock()
	}
	sort.Strings(merchants)
	return merchants, nil
}

func (m *MemoryLinkStore) BoundEventRefs(ctx context.Context, merchant string) (map[string]struct{}, error) {
	refs := make(map[string]struct{})
	p := m.partition(merchant, false)
	if p == nil {
		return refs, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for ref := range p.refs {
		refs[ref] = struct{}{}
	}
	return refs, nil
}

func (m *MemoryLinkStore) Update(ctx context.Context, merchant, linkID string, t models.Transition) (*models.PaymentLink, error) {
	p := m.partition(merchant, false)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.links[linkID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}

	next, err := current.Apply(t, m.now())
	if err != nil {
		return nil, err
	}

	if next.MatchedEventRef != "" {
		if owner, bound := p.refs[next.MatchedEventRef]; bound && owner != linkID {
			return nil, fmt.Errorf("%w: %s", models.ErrEventAlreadyBound, next.MatchedEventRef)
		}
		p.refs[next.MatchedEventRef] = linkID
	}

	p.links[linkID] = next
	return &next, nil
}

var _ interfaces.LinkStore = (*MemoryLinkStore)(nil)
