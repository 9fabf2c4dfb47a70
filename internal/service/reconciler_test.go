package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/akylbek/payment-system/link-verifier/internal/ledger"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
	"github.com/akylbek/payment-system/link-verifier/internal/repository"
)

const (
	tshc      = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
	merchantA = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	merchantB = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
)

var currencies = models.CurrencyTable{
	"TSHC": {Symbol: "TSHC", Address: tshc, Decimals: 18},
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fakeReader struct {
	mu      sync.Mutex
	head    uint64
	events  map[string][]models.LedgerEvent
	failFor map[string]bool
	calls   int
}

func newFakeReader(head uint64) *fakeReader {
	return &fakeReader{
		head:    head,
		events:  make(map[string][]models.LedgerEvent),
		failFor: make(map[string]bool),
	}
}

func (f *fakeReader) setHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

func (f *fakeReader) add(merchant string, ev models.LedgerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[merchant] = append(f.events[merchant], ev)
}

func (f *fakeReader) RecentTransfers(ctx context.Context, merchant, currency string, lookback uint64) (*models.TransferBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failFor[merchant] {
		return nil, fmt.Errorf("%w: connection refused", ledger.ErrSourceUnavailable)
	}
	from := uint64(0)
	if f.head > lookback {
		from = f.head - lookback
	}
	var events []models.LedgerEvent
	for _, ev := range f.events[merchant] {
		if ev.BlockNumber >= from && ev.BlockNumber <= f.head {
			events = append(events, ev)
		}
	}
	return &models.TransferBatch{
		Merchant:  merchant,
		Currency:  currency,
		Head:      f.head,
		FromBlock: from,
		Events:    events,
	}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.StatusChange
}

func (p *recordingPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

type denyLocker struct{}

func (denyLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	return nil, false, nil
}

func transfer(to string, value *big.Int, block uint64, tx string) models.LedgerEvent {
	return models.LedgerEvent{
		From:            "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
		To:              to,
		Value:           value,
		TokenContract:   tshc,
		BlockNumber:     block,
		TransactionHash: tx,
	}
}

func newTestReconciler(t *testing.T, reader *fakeReader) (*Reconciler, *repository.MemoryLinkStore, *recordingPublisher) {
	t.Helper()
	store := repository.NewMemoryLinkStore()
	pub := &recordingPublisher{}
	r := NewReconciler(store, reader, pub, nil, currencies, Config{
		PollInterval:   10 * time.Millisecond,
		LookbackBlocks: 100,
		Confirmations:  2,
		StoreTimeout:   time.Second,
		MaxConcurrency: 4,
	})
	return r, store, pub
}

func createLink(t *testing.T, store *repository.MemoryLinkStore, id, merchant, amount string, createdAt time.Time) {
	t.Helper()
	err := store.Create(context.Background(), models.PaymentLink{
		ID:              id,
		MerchantAddress: merchant,
		Amount:          amount,
		Currency:        "TSHC",
		CreatedAt:       createdAt,
	})
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", id, err)
	}
}

func getLink(t *testing.T, store *repository.MemoryLinkStore, merchant, id string) *models.PaymentLink {
	t.Helper()
	link, err := store.Get(context.Background(), merchant, id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return link
}

func TestReconcilerPendingThenPaid(t *testing.T) {
	ctx := context.Background()
	reader := newFakeReader(1000)
	r, store, pub := newTestReconciler(t, reader)

	createLink(t, store, "link-1", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))

	report := r.RunCycle(ctx)
	if report.Transitions != 1 || report.Failures != 0 {
		t.Fatalf("first cycle report = %s", report)
	}
	link := getLink(t, store, merchantA, "link-1")
	if link.Status != models.StatusPending {
		t.Fatalf("expected Pending at head 1000, got %s", link.Status)
	}
	if link.MatchedEventRef != "0xaa:0" || link.MatchedBlock != 1000 {
		t.Errorf("matched ref = %s block = %d", link.MatchedEventRef, link.MatchedBlock)
	}

	reader.setHead(1001)
	r.RunCycle(ctx)
	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusPending {
		t.Fatalf("expected Pending at head 1001, got %s", got)
	}

	reader.setHead(1002)
	r.RunCycle(ctx)
	link = getLink(t, store, merchantA, "link-1")
	if link.Status != models.StatusPaid {
		t.Fatalf("expected Paid at head 1002, got %s", link.Status)
	}
	if link.MatchedEventRef != "0xaa:0" {
		t.Errorf("matched ref changed to %s", link.MatchedEventRef)
	}

	reader.setHead(1050)
	report = r.RunCycle(ctx)
	if report.Transitions != 0 {
		t.Errorf("Paid link must not transition again, report = %s", report)
	}
	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusPaid {
		t.Errorf("expected Paid to stick, got %s", got)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.changes) != 2 {
		t.Fatalf("expected 2 published changes, got %d", len(pub.changes))
	}
	if pub.changes[0].PreviousStatus != models.StatusActive || pub.changes[0].Status != models.StatusPending {
		t.Errorf("first change = %+v", pub.changes[0])
	}
	if pub.changes[1].PreviousStatus != models.StatusPending || pub.changes[1].Status != models.StatusPaid {
		t.Errorf("second change = %+v", pub.changes[1])
	}
}

func TestReconcilerFinalOnFirstSightGoesStraightToPaid(t *testing.T) {
	reader := newFakeReader(1005)
	r, store, _ := newTestReconciler(t, reader)

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 999, "0x02"))
	reader.add(merchantA, transfer(merchantA, tokens(100), 998, "0x01"))

	r.RunCycle(context.Background())

	link := getLink(t, store, merchantA, "link-1")
	if link.Status != models.StatusPaid {
		t.Fatalf("expected Paid, got %s", link.Status)
	}
	if link.MatchedEventRef != "0x01:0" {
		t.Errorf("expected the earliest event 0x01:0, got %s", link.MatchedEventRef)
	}
}

func TestReconcilerUnderpaymentStaysActive(t *testing.T) {
	reader := newFakeReader(1010)
	r, store, pub := newTestReconciler(t, reader)

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(90), 1000, "0xaa"))

	for i := 0; i < 5; i++ {
		r.RunCycle(context.Background())
	}

	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusActive {
		t.Errorf("expected Active, got %s", got)
	}
	if len(pub.changes) != 0 {
		t.Errorf("expected no status changes, got %d", len(pub.changes))
	}
}

func TestReconcilerNoFalsePositives(t *testing.T) {
	reader := newFakeReader(500)
	r, store, _ := newTestReconciler(t, reader)

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantB, tokens(100), 450, "0xbb"))
	reader.add(merchantA, transfer(merchantA, tokens(101), 451, "0xcc"))

	for head := uint64(500); head < 520; head++ {
		reader.setHead(head)
		r.RunCycle(context.Background())
	}

	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusActive {
		t.Errorf("expected Active, got %s", got)
	}
}

func TestReconcilerIsolatesSourceFailures(t *testing.T) {
	reader := newFakeReader(1010)
	reader.failFor[merchantA] = true
	r, store, _ := newTestReconciler(t, reader)

	createLink(t, store, "a-1", merchantA, "100", time.Time{})
	createLink(t, store, "b-1", merchantB, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))
	reader.add(merchantB, transfer(merchantB, tokens(100), 1000, "0xbb"))

	report := r.RunCycle(context.Background())
	if report.Groups != 2 || report.Failures != 1 || report.Transitions != 1 {
		t.Errorf("report = %s", report)
	}
	if got := getLink(t, store, merchantA, "a-1").Status; got != models.StatusActive {
		t.Errorf("merchant A link should be untouched, got %s", got)
	}
	if got := getLink(t, store, merchantB, "b-1").Status; got != models.StatusPaid {
		t.Errorf("merchant B link should be Paid, got %s", got)
	}
}

func TestReconcilerOneEventPaysOneLink(t *testing.T) {
	reader := newFakeReader(1010)
	r, store, _ := newTestReconciler(t, reader)
	base := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)

	createLink(t, store, "first", merchantA, "100", base)
	createLink(t, store, "second", merchantA, "100", base.Add(time.Minute))
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))

	for i := 0; i < 3; i++ {
		r.RunCycle(context.Background())
	}

	if got := getLink(t, store, merchantA, "first").Status; got != models.StatusPaid {
		t.Errorf("older link should be Paid, got %s", got)
	}
	if got := getLink(t, store, merchantA, "second").Status; got != models.StatusActive {
		t.Errorf("newer link must not reuse the bound event, got %s", got)
	}

	reader.add(merchantA, transfer(merchantA, tokens(100), 1005, "0xbb"))
	r.RunCycle(context.Background())
	if got := getLink(t, store, merchantA, "second"); got.Status != models.StatusPaid || got.MatchedEventRef != "0xbb:0" {
		t.Errorf("second link = %s %s", got.Status, got.MatchedEventRef)
	}
}

func TestReconcilerPendingOutsideWindowStillConfirms(t *testing.T) {
	ctx := context.Background()
	reader := newFakeReader(1000)
	r, store, _ := newTestReconciler(t, reader)

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))
	r.RunCycle(ctx)

	reader.setHead(1500)
	r.RunCycle(ctx)

	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusPaid {
		t.Errorf("expected Paid from the persisted block, got %s", got)
	}
}

func TestReconcilerMissingEventHoldsPending(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLinkStore()
	reader := newFakeReader(1010)
	r := NewReconciler(store, reader, nil, nil, currencies, Config{LookbackBlocks: 100, Confirmations: 2})

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	if _, err := store.Update(ctx, merchantA, "link-1", models.Transition{
		To:          models.StatusPending,
		EventRef:    "0xgone:0",
		BlockNumber: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	r.RunCycle(ctx)

	if got := getLink(t, store, merchantA, "link-1").Status; got != models.StatusPending {
		t.Errorf("a vanished event must not confirm the link, got %s", got)
	}
}

func TestReconcilerSkipsLockedGroups(t *testing.T) {
	store := repository.NewMemoryLinkStore()
	reader := newFakeReader(1010)
	r := NewReconciler(store, reader, nil, denyLocker{}, currencies, Config{LookbackBlocks: 100, Confirmations: 2})

	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))

	report := r.RunCycle(context.Background())
	if report.Skipped != 1 || report.Transitions != 0 {
		t.Errorf("report = %s", report)
	}
	if reader.calls != 0 {
		t.Errorf("locked group should not query the ledger, got %d calls", reader.calls)
	}
}

func TestReconcilerStoppedCycleStartsNoGroups(t *testing.T) {
	reader := newFakeReader(1010)
	r, store, _ := newTestReconciler(t, reader)
	createLink(t, store, "link-1", merchantA, "100", time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := r.RunCycle(ctx)
	if report.Groups != 0 || reader.calls != 0 {
		t.Errorf("stopped cycle dispatched work: %s, %d calls", report, reader.calls)
	}
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	reader := newFakeReader(1010)
	r, store, _ := newTestReconciler(t, reader)
	createLink(t, store, "link-1", merchantA, "100", time.Time{})
	reader.add(merchantA, transfer(merchantA, tokens(100), 1000, "0xaa"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for getLink(t, store, merchantA, "link-1").Status != models.StatusPaid {
		select {
		case <-deadline:
			cancel()
			t.Fatal("link never reached Paid")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
