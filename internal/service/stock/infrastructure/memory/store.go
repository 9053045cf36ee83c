// internal/service/stock/infrastructure/memory/store.go
//
// 纯内存的仓储实现，给应用层测试用：语义上对齐 GORM 实现，
// 包括事务回滚、活跃预占唯一约束和状态机 CAS。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"stocknexus/internal/service/stock/domain"
)

// Store 持有全部内存状态。事务期间持有全局锁，
// 天然串行化并发事务，等价于数据库里的行锁粒度放大到库级。
type Store struct {
	mu sync.Mutex

	stocks       map[string]*domain.StockRecord
	reservations map[string]*domain.Reservation
	movements    []*domain.StockMovement
	outbox       map[string]*domain.OutboxRecord
	outboxOrder  []string
}

func NewStore() *Store {
	return &Store{
		stocks:       make(map[string]*domain.StockRecord),
		reservations: make(map[string]*domain.Reservation),
		outbox:       make(map[string]*domain.OutboxRecord),
	}
}

// SeedStock 在测试开始前写入一条库存行。
func (s *Store) SeedStock(record *domain.StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *record
	s.stocks[record.ID] = &c
}

// StockSnapshot 返回某条库存行的当前副本，测试断言用。
func (s *Store) StockSnapshot(id string) *domain.StockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.stocks[id]; ok {
		c := *record
		return &c
	}
	return nil
}

// Movements 返回全部流水的副本。
func (s *Store) Movements() []*domain.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.StockMovement, 0, len(s.movements))
	for _, m := range s.movements {
		c := *m
		out = append(out, &c)
	}
	return out
}

// OutboxEvents 返回发件箱中指定类型的事件数。
func (s *Store) OutboxEvents(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.outbox {
		if record.EventType == eventType {
			n++
		}
	}
	return n
}

type txKey struct{}

type snapshot struct {
	stocks       map[string]*domain.StockRecord
	reservations map[string]*domain.Reservation
	movements    []*domain.StockMovement
	outbox       map[string]*domain.OutboxRecord
	outboxOrder  []string
}

func (s *Store) takeSnapshot() snapshot {
	snap := snapshot{
		stocks:       make(map[string]*domain.StockRecord, len(s.stocks)),
		reservations: make(map[string]*domain.Reservation, len(s.reservations)),
		movements:    make([]*domain.StockMovement, len(s.movements)),
		outbox:       make(map[string]*domain.OutboxRecord, len(s.outbox)),
		outboxOrder:  append([]string(nil), s.outboxOrder...),
	}
	for id, r := range s.stocks {
		c := *r
		snap.stocks[id] = &c
	}
	for id, r := range s.reservations {
		c := *r
		snap.reservations[id] = &c
	}
	copy(snap.movements, s.movements)
	for id, r := range s.outbox {
		c := *r
		snap.outbox[id] = &c
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.stocks = snap.stocks
	s.reservations = snap.reservations
	s.movements = snap.movements
	s.outbox = snap.outbox
	s.outboxOrder = snap.outboxOrder
}

// lockUnlessInTx 在事务外的单发调用时加锁；事务内已由 Execute 持锁。
func (s *Store) lockUnlessInTx(ctx context.Context) func() {
	if inTx, _ := ctx.Value(txKey{}).(bool); inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// UnitOfWork 是 domain.UnitOfWork 的内存实现：
// 持锁执行 fn，出错时整体回滚到事务前的快照。
type UnitOfWork struct {
	store *Store
}

func NewUnitOfWork(store *Store) *UnitOfWork {
	return &UnitOfWork{store: store}
}

func (u *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	snap := u.store.takeSnapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		u.store.restore(snap)
		return err
	}
	return nil
}

// StockRepository 是 domain.StockRepository 的内存实现。
type StockRepository struct {
	store *Store
}

func NewStockRepository(store *Store) *StockRepository {
	return &StockRepository{store: store}
}

func (r *StockRepository) FindByID(ctx context.Context, id string) (*domain.StockRecord, error) {
	defer r.store.lockUnlessInTx(ctx)()
	record, ok := r.store.stocks[id]
	if !ok {
		return nil, errors.WithStack(domain.ErrNotFound)
	}
	c := *record
	return &c, nil
}

func (r *StockRepository) FindByIDForUpdate(ctx context.Context, id string) (*domain.StockRecord, error) {
	// 事务已持全局锁，行锁退化为普通读取
	return r.FindByID(ctx, id)
}

func (r *StockRepository) FindByVariant(ctx context.Context, productVariant string) ([]*domain.StockRecord, error) {
	defer r.store.lockUnlessInTx(ctx)()
	var records []*domain.StockRecord
	for _, record := range r.store.stocks {
		if record.ProductVariant == productVariant {
			c := *record
			records = append(records, &c)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].WarehouseID < records[j].WarehouseID })
	return records, nil
}

func (r *StockRepository) Save(ctx context.Context, record *domain.StockRecord) error {
	defer r.store.lockUnlessInTx(ctx)()
	stored, ok := r.store.stocks[record.ID]
	if !ok {
		return errors.WithStack(domain.ErrNotFound)
	}
	stored.Available = record.Available
	stored.Reserved = record.Reserved
	stored.Total = record.Total
	stored.UpdatedAt = record.UpdatedAt
	return nil
}

func (r *StockRepository) AppendMovement(ctx context.Context, movement *domain.StockMovement) error {
	defer r.store.lockUnlessInTx(ctx)()
	c := *movement
	r.store.movements = append(r.store.movements, &c)
	return nil
}

// ReservationRepository 是 domain.ReservationRepository 的内存实现。
type ReservationRepository struct {
	store *Store
}

func NewReservationRepository(store *Store) *ReservationRepository {
	return &ReservationRepository{store: store}
}

func (r *ReservationRepository) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	defer r.store.lockUnlessInTx(ctx)()
	reservation, ok := r.store.reservations[id]
	if !ok {
		return nil, errors.WithStack(domain.ErrNotFound)
	}
	c := *reservation
	return &c, nil
}

func (r *ReservationRepository) FindActiveByOrder(ctx context.Context, orderID, stockRecordID string) (*domain.Reservation, error) {
	defer r.store.lockUnlessInTx(ctx)()
	for _, reservation := range r.store.reservations {
		if reservation.OrderID == orderID && reservation.StockRecordID == stockRecordID && reservation.IsActive() {
			c := *reservation
			return &c, nil
		}
	}
	return nil, errors.WithStack(domain.ErrNotFound)
}

func (r *ReservationRepository) FindByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	defer r.store.lockUnlessInTx(ctx)()
	var reservations []*domain.Reservation
	for _, reservation := range r.store.reservations {
		if reservation.OrderID == orderID {
			c := *reservation
			reservations = append(reservations, &c)
		}
	}
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].ReservedAt.Before(reservations[j].ReservedAt)
	})
	return reservations, nil
}

func (r *ReservationRepository) Create(ctx context.Context, reservation *domain.Reservation) error {
	defer r.store.lockUnlessInTx(ctx)()
	// 模拟 (order_id, stock_record_id, active) 唯一索引
	for _, existing := range r.store.reservations {
		if existing.OrderID == reservation.OrderID &&
			existing.StockRecordID == reservation.StockRecordID &&
			existing.IsActive() && reservation.IsActive() {
			return errors.WithStack(domain.ErrDuplicateReservation)
		}
	}
	c := *reservation
	r.store.reservations[reservation.ID] = &c
	return nil
}

func (r *ReservationRepository) UpdateWithStatusCheck(ctx context.Context, reservation *domain.Reservation, expect domain.ReservationStatus) (bool, error) {
	defer r.store.lockUnlessInTx(ctx)()
	stored, ok := r.store.reservations[reservation.ID]
	if !ok {
		return false, errors.WithStack(domain.ErrNotFound)
	}
	if stored.Status != expect {
		return false, nil
	}
	stored.Status = reservation.Status
	stored.CommittedAt = reservation.CommittedAt
	stored.CancelledAt = reservation.CancelledAt
	stored.ReleaseReason = reservation.ReleaseReason
	return true, nil
}

func (r *ReservationRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	defer r.store.lockUnlessInTx(ctx)()
	var expired []*domain.Reservation
	for _, reservation := range r.store.reservations {
		if reservation.Status == domain.StatusPending && !reservation.ExpiresAt.After(now) {
			c := *reservation
			expired = append(expired, &c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// OutboxRepository 是 domain.OutboxRepository 的内存实现。
type OutboxRepository struct {
	store *Store
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{store: store}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, record *domain.OutboxRecord) error {
	defer r.store.lockUnlessInTx(ctx)()
	c := *record
	r.store.outbox[record.ID] = &c
	r.store.outboxOrder = append(r.store.outboxOrder, record.ID)
	return nil
}

func (r *OutboxRepository) FindUnpublished(ctx context.Context, limit int) ([]*domain.OutboxRecord, error) {
	defer r.store.lockUnlessInTx(ctx)()
	var unpublished []*domain.OutboxRecord
	for _, id := range r.store.outboxOrder {
		record := r.store.outbox[id]
		if record.PublishedAt == nil {
			c := *record
			unpublished = append(unpublished, &c)
			if limit > 0 && len(unpublished) == limit {
				break
			}
		}
	}
	return unpublished, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	defer r.store.lockUnlessInTx(ctx)()
	record, ok := r.store.outbox[id]
	if !ok {
		return errors.WithStack(domain.ErrNotFound)
	}
	now := time.Now()
	record.PublishedAt = &now
	return nil
}

func (r *OutboxRepository) MarkAttempt(ctx context.Context, id string) error {
	defer r.store.lockUnlessInTx(ctx)()
	record, ok := r.store.outbox[id]
	if !ok {
		return errors.WithStack(domain.ErrNotFound)
	}
	record.Attempts++
	return nil
}
