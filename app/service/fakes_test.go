package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/gateway"
	"github.com/solvera-apps/ms-go-billing/app/repository"
	"github.com/solvera-apps/ms-go-billing/config"
)

// fakeRecordRepo mirrors the ledger's unique indexes so the race-recovery
// paths can be exercised without a database.
type fakeRecordRepo struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*entity.PaymentRecord

	createErr error
	updateErr error
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{nextID: 1, records: map[uint64]*entity.PaymentRecord{}}
}

func (f *fakeRecordRepo) clone(r *entity.PaymentRecord) *entity.PaymentRecord {
	cp := *r
	return &cp
}

func (f *fakeRecordRepo) violatesUnique(candidate *entity.PaymentRecord) bool {
	for _, r := range f.records {
		if r.ID == candidate.ID {
			continue
		}
		if candidate.GatewayOrderID != nil && r.GatewayOrderID != nil && *candidate.GatewayOrderID == *r.GatewayOrderID {
			return true
		}
		if candidate.GatewayCaptureID != nil && r.GatewayCaptureID != nil && *candidate.GatewayCaptureID == *r.GatewayCaptureID {
			return true
		}
		if candidate.IsOpen() && r.IsOpen() &&
			candidate.OwnerID != nil && r.OwnerID != nil && *candidate.OwnerID == *r.OwnerID &&
			candidate.Plan == r.Plan && candidate.BillingPeriod == r.BillingPeriod &&
			candidate.CreatedBucket.Equal(r.CreatedBucket) {
			return true
		}
	}
	return false
}

func (f *fakeRecordRepo) Create(_ context.Context, record *entity.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	record.CreatedBucket = entity.MinuteBucket(record.CreatedAt)
	if f.violatesUnique(record) {
		return repository.ErrDuplicateRecord
	}
	record.ID = f.nextID
	f.nextID++
	f.records[record.ID] = f.clone(record)
	return nil
}

func (f *fakeRecordRepo) Update(_ context.Context, record *entity.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.records[record.ID]; !ok {
		return repository.ErrRecordNotFound
	}
	if f.violatesUnique(record) {
		return repository.ErrDuplicateRecord
	}
	f.records[record.ID] = f.clone(record)
	return nil
}

func (f *fakeRecordRepo) FindByID(_ context.Context, id uint64) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[id]; ok {
		return f.clone(r), nil
	}
	return nil, nil
}

func (f *fakeRecordRepo) find(match func(*entity.PaymentRecord) bool) *entity.PaymentRecord {
	var best *entity.PaymentRecord
	for _, r := range f.records {
		if match(r) && (best == nil || r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return f.clone(best)
}

func (f *fakeRecordRepo) FindByClientToken(_ context.Context, token string) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(r *entity.PaymentRecord) bool {
		return r.ClientToken != nil && *r.ClientToken == token
	}), nil
}

func (f *fakeRecordRepo) FindByGatewayOrderID(_ context.Context, orderID string) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(r *entity.PaymentRecord) bool {
		return r.GatewayOrderID != nil && *r.GatewayOrderID == orderID
	}), nil
}

func (f *fakeRecordRepo) FindByGatewayCaptureID(_ context.Context, captureID string) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(r *entity.PaymentRecord) bool {
		return r.GatewayCaptureID != nil && *r.GatewayCaptureID == captureID
	}), nil
}

func (f *fakeRecordRepo) FindOpenByBucket(_ context.Context, ownerID uint64, plan, billingPeriod string, bucket time.Time) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(r *entity.PaymentRecord) bool {
		return r.IsOpen() && r.OwnerID != nil && *r.OwnerID == ownerID &&
			r.Plan == plan && r.BillingPeriod == billingPeriod && r.CreatedBucket.Equal(bucket)
	}), nil
}

func (f *fakeRecordRepo) ListOpenByBucketAmount(_ context.Context, bucket time.Time, amount decimal.Decimal) ([]*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.PaymentRecord
	for _, r := range f.records {
		if r.IsOpen() && r.OwnerID != nil && r.CreatedBucket.Equal(bucket) && r.Amount.Equal(amount) {
			out = append(out, f.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRecordRepo) FindLatestOpenByOwner(_ context.Context, ownerID uint64) (*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(r *entity.PaymentRecord) bool {
		return r.IsOpen() && r.OwnerID != nil && *r.OwnerID == ownerID
	}), nil
}

func (f *fakeRecordRepo) HasSettledForOwner(_ context.Context, ownerID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.OwnerID != nil && *r.OwnerID == ownerID && r.Status == entity.StatusSettled {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecordRepo) ListByOwner(_ context.Context, ownerID uint64, limit, offset int32) ([]*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.PaymentRecord
	for _, r := range f.records {
		if r.OwnerID != nil && *r.OwnerID == ownerID {
			out = append(out, f.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if int(offset) >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) ListStaleOpenWithOrder(_ context.Context, before time.Time, limit int32) ([]*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.PaymentRecord
	for _, r := range f.records {
		if r.IsOpen() && r.GatewayOrderID != nil && r.UpdatedAt.Before(before) {
			out = append(out, f.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) ListExpiredOpen(_ context.Context, cutoff time.Time, limit int32) ([]*entity.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.PaymentRecord
	for _, r := range f.records {
		if r.IsOpen() && r.CreatedAt.Before(cutoff) {
			out = append(out, f.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) DeleteOpenByOwner(_ context.Context, id, ownerID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok || !r.IsOpen() || r.OwnerID == nil || *r.OwnerID != ownerID {
		return repository.ErrRecordNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRecordRepo) get(id uint64) *entity.PaymentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clone(f.records[id])
}

func (f *fakeRecordRepo) seed(r *entity.PaymentRecord) *entity.PaymentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = f.nextID
	f.nextID++
	r.CreatedBucket = entity.MinuteBucket(r.CreatedAt)
	f.records[r.ID] = f.clone(r)
	return f.clone(r)
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*entity.PaymentEvent
}

func (f *fakeEventRepo) Create(_ context.Context, event *entity.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = uint64(len(f.events) + 1)
	f.events = append(f.events, event)
	return nil
}

type fakeWebhookRepo struct {
	mu     sync.Mutex
	events []*entity.WebhookEvent
}

func (f *fakeWebhookRepo) Create(_ context.Context, event *entity.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = uint64(len(f.events) + 1)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeWebhookRepo) last() *entity.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

type fakeGrantRepo struct {
	mu        sync.Mutex
	grants    map[uint64]*entity.PlanGrant
	upserts   int
	upsertErr error
}

func newFakeGrantRepo() *fakeGrantRepo {
	return &fakeGrantRepo{grants: map[uint64]*entity.PlanGrant{}}
}

func (f *fakeGrantRepo) Upsert(_ context.Context, grant *entity.PlanGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	cp := *grant
	f.grants[grant.OwnerID] = &cp
	return nil
}

func (f *fakeGrantRepo) FindByOwner(_ context.Context, ownerID uint64) (*entity.PlanGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.grants[ownerID]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, nil
}

type fakeGateway struct {
	mu sync.Mutex

	orders map[string]*gateway.OrderState

	createErr  error
	getErr     error
	captureErr error

	created  int
	captured int
	getCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: map[string]*gateway.OrderState{}}
}

func (f *fakeGateway) CreateOrder(_ context.Context, req *gateway.OrderRequest) (*gateway.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	state := &gateway.OrderState{
		OrderID:    "ORD-" + req.ReferenceID,
		Status:     gateway.OrderStatusCreated,
		ApproveURL: "https://gateway.example/approve/" + req.ReferenceID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		CreateTime: time.Now().UTC(),
	}
	f.orders[state.OrderID] = state
	cp := *state
	return &cp, nil
}

func (f *fakeGateway) GetOrder(_ context.Context, orderID string) (*gateway.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	state, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *state
	return &cp, nil
}

func (f *fakeGateway) CaptureOrder(_ context.Context, orderID string) (*gateway.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	state, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	f.captured++
	state.Status = gateway.OrderStatusCompleted
	if state.CaptureID == "" {
		state.CaptureID = "CAP-" + orderID
	}
	cp := *state
	return &cp, nil
}

func (f *fakeGateway) setOrder(state *gateway.OrderState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[state.OrderID] = state
}

type serviceFixture struct {
	svc      *BillingService
	records  *fakeRecordRepo
	events   *fakeEventRepo
	webhooks *fakeWebhookRepo
	grants   *fakeGrantRepo
	gw       *fakeGateway
}

func newServiceFixture() *serviceFixture {
	records := newFakeRecordRepo()
	events := &fakeEventRepo{}
	webhooks := &fakeWebhookRepo{}
	grants := newFakeGrantRepo()
	gw := newFakeGateway()

	cfg := config.BillingConfig{
		FreePlan:            "Free",
		MonthlyGrant:        30 * 24 * time.Hour,
		YearlyGrant:         365 * 24 * time.Hour,
		PendingTimeout:      24 * time.Hour,
		ReconcileStaleAfter: 15 * time.Minute,
		JobBatchSize:        100,
	}

	return &serviceFixture{
		svc:      NewBillingService(records, events, webhooks, grants, gw, cfg),
		records:  records,
		events:   events,
		webhooks: webhooks,
		grants:   grants,
		gw:       gw,
	}
}

func strPtr(s string) *string { return &s }

func uint64Ptr(v uint64) *uint64 { return &v }
