package service_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/notify"
	"github.com/linemk/shop-orders/internal/payment"
	"github.com/linemk/shop-orders/internal/service"
	"github.com/linemk/shop-orders/internal/storage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- пользователи ---

type fakeUserRepo struct {
	users map[string]*models.User // по email
}

var _ storage.UserStorage = (*fakeUserRepo)(nil)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User)}
}

func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := f.users[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	if _, ok := f.users[user.Email]; ok {
		return nil, storage.ErrEmailTaken
	}
	user.ID = int64(len(f.users) + 1)
	f.users[user.Email] = user
	return user, nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

// --- товары ---

type fakeProductRepo struct {
	products map[int64]*models.Product
}

var _ storage.ProductStorage = (*fakeProductRepo)(nil)

func newFakeProductRepo(products ...*models.Product) *fakeProductRepo {
	f := &fakeProductRepo{products: make(map[int64]*models.Product)}
	for _, p := range products {
		f.products[p.ID] = p
	}
	return f
}

func (f *fakeProductRepo) stock(id int64) int {
	return f.products[id].StockQuantity
}

func (f *fakeProductRepo) ListActiveProducts(ctx context.Context) ([]*models.Product, error) {
	var res []*models.Product
	for _, p := range f.products {
		if p.IsActive {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (f *fakeProductRepo) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, storage.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProductRepo) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	p.ID = int64(len(f.products) + 1)
	f.products[p.ID] = p
	return p, nil
}

func (f *fakeProductRepo) SetStock(ctx context.Context, id int64, quantity int) error {
	p, ok := f.products[id]
	if !ok {
		return storage.ErrProductNotFound
	}
	p.StockQuantity = quantity
	return nil
}

func (f *fakeProductRepo) LockProductsTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Product, error) {
	res := make(map[int64]*models.Product, len(ids))
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			cp := *p
			res[id] = &cp
		}
	}
	return res, nil
}

func (f *fakeProductRepo) DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error {
	p, ok := f.products[id]
	if !ok || p.StockQuantity < quantity {
		return storage.ErrStockTooLow
	}
	p.StockQuantity -= quantity
	return nil
}

func (f *fakeProductRepo) IncrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error {
	p, ok := f.products[id]
	if !ok {
		return storage.ErrProductNotFound
	}
	p.StockQuantity += quantity
	return nil
}

// --- корзина ---

type fakeCartRepo struct {
	items map[int64][]*models.CartItem // ключ: userID
}

var _ storage.CartStorage = (*fakeCartRepo)(nil)

func newFakeCartRepo() *fakeCartRepo {
	return &fakeCartRepo{items: make(map[int64][]*models.CartItem)}
}

func (f *fakeCartRepo) GetCart(ctx context.Context, userID int64) ([]*models.CartItem, error) {
	return f.items[userID], nil
}

func (f *fakeCartRepo) AddItem(ctx context.Context, item *models.CartItem) error {
	for _, it := range f.items[item.UserID] {
		if it.ProductID == item.ProductID && variantKey(it.Variant) == variantKey(item.Variant) {
			it.Quantity += item.Quantity
			item.ID, item.Quantity = it.ID, it.Quantity
			return nil
		}
	}
	item.ID = int64(len(f.items[item.UserID]) + 1)
	f.items[item.UserID] = append(f.items[item.UserID], item)
	return nil
}

func (f *fakeCartRepo) RemoveItem(ctx context.Context, userID, productID int64) error {
	items := f.items[userID]
	for i, it := range items {
		if it.ProductID == productID {
			f.items[userID] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return storage.ErrCartItemNotFound
}

func (f *fakeCartRepo) ClearCartTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	delete(f.items, userID)
	return nil
}

func variantKey(v map[string]string) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// --- заказы ---

type fakeOrderRepo struct {
	orders  map[int64]*models.Order
	nextID  int64
	lockErr error
}

var _ storage.OrderStorage = (*fakeOrderRepo)(nil)

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[int64]*models.Order)}
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

func (f *fakeOrderRepo) put(o *models.Order) *models.Order {
	if o.ID == 0 {
		f.nextID++
		o.ID = f.nextID
	} else if o.ID > f.nextID {
		f.nextID = o.ID
	}
	f.orders[o.ID] = copyOrder(o)
	return o
}

func (f *fakeOrderRepo) CreateOrderTx(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	f.nextID++
	order.ID = f.nextID
	for i := range order.Items {
		order.Items[i].ID = int64(i + 1)
		order.Items[i].OrderID = order.ID
	}
	f.orders[order.ID] = copyOrder(order)
	return nil
}

func (f *fakeOrderRepo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (f *fakeOrderRepo) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error) {
	for _, o := range f.orders {
		if o.PaymentIntentID != nil && *o.PaymentIntentID == intentID {
			return copyOrder(o), nil
		}
	}
	return nil, storage.ErrOrderNotFound
}

func (f *fakeOrderRepo) LockOrderTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.GetOrderByID(ctx, id)
}

func (f *fakeOrderRepo) GetOrdersByUserID(ctx context.Context, userID int64) ([]*models.Order, error) {
	var res []*models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			res = append(res, copyOrder(o))
		}
	}
	return res, nil
}

func (f *fakeOrderRepo) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]*models.Order, error) {
	var res []*models.Order
	for _, o := range f.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		res = append(res, copyOrder(o))
	}
	return res, nil
}

func (f *fakeOrderRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.OrderStatus, trackingNumber *string) error {
	o, ok := f.orders[id]
	if !ok {
		return storage.ErrOrderNotFound
	}
	now := time.Now()
	o.Status = status
	if trackingNumber != nil {
		o.TrackingNumber = trackingNumber
	}
	switch status {
	case models.OrderStatusShipped:
		if o.ShippedAt == nil {
			o.ShippedAt = &now
		}
	case models.OrderStatusDelivered:
		if o.DeliveredAt == nil {
			o.DeliveredAt = &now
		}
	case models.OrderStatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &now
		}
	}
	return nil
}

func (f *fakeOrderRepo) SetPaymentIntent(ctx context.Context, id int64, expected *string, intentID string) error {
	o, ok := f.orders[id]
	if !ok || (o.PaymentStatus != models.PaymentStatusPending && o.PaymentStatus != models.PaymentStatusFailed) {
		return storage.ErrOrderStateChanged
	}
	if (expected == nil) != (o.PaymentIntentID == nil) || (expected != nil && *expected != *o.PaymentIntentID) {
		return storage.ErrOrderStateChanged
	}
	o.PaymentIntentID = &intentID
	o.PaymentStatus = models.PaymentStatusPending
	return nil
}

func (f *fakeOrderRepo) MarkPaidByIntent(ctx context.Context, intentID string) (bool, error) {
	for _, o := range f.orders {
		if o.PaymentIntentID == nil || *o.PaymentIntentID != intentID {
			continue
		}
		if o.PaymentStatus != models.PaymentStatusPending && o.PaymentStatus != models.PaymentStatusFailed {
			return false, nil
		}
		o.PaymentStatus = models.PaymentStatusPaid
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusProcessing
		}
		return true, nil
	}
	return false, nil
}

func (f *fakeOrderRepo) MarkPaymentFailedByIntent(ctx context.Context, intentID string) (bool, error) {
	for _, o := range f.orders {
		if o.PaymentIntentID != nil && *o.PaymentIntentID == intentID && o.PaymentStatus == models.PaymentStatusPending {
			o.PaymentStatus = models.PaymentStatusFailed
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOrderRepo) RecordRefundTx(ctx context.Context, tx *sql.Tx, id int64, status models.PaymentStatus, refunded decimal.Decimal) error {
	o, ok := f.orders[id]
	if !ok {
		return storage.ErrOrderNotFound
	}
	o.PaymentStatus = status
	o.RefundedAmount = refunded
	return nil
}

// --- уведомления ---

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Dispatch(ctx context.Context, ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		res = append(res, ev.Type)
	}
	return res
}

// --- платёжный шлюз ---

type fakeGateway struct {
	intents   map[string]*payment.Intent
	created   []payment.CreateIntentRequest
	refunds   []int64
	webhooks  map[string]*payment.WebhookEvent // по payload
	byKey     map[string]*payment.Intent
	createErr error
	refundErr error
	seq       int
}

var _ payment.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:  map[string]*payment.Intent{},
		webhooks: map[string]*payment.WebhookEvent{},
		byKey:    map[string]*payment.Intent{},
	}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req payment.CreateIntentRequest) (*payment.Intent, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	// повтор с тем же ключом идемпотентности отдаёт тот же интент, как в Stripe
	if intent, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *intent
		return &cp, nil
	}
	g.seq++
	g.created = append(g.created, req)
	id := "pi_" + string(rune('0'+g.seq))
	intent := &payment.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payment.IntentRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     req.Currency,
	}
	g.intents[id] = intent
	g.byKey[req.IdempotencyKey] = intent
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) GetIntent(ctx context.Context, intentID string) (*payment.Intent, error) {
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, payment.ErrUpstream
	}
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) Refund(ctx context.Context, intentID string, amount int64) (*payment.Refund, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, amount)
	return &payment.Refund{ID: "re_1", Status: "succeeded", Amount: amount}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	ev, ok := g.webhooks[string(payload)]
	if !ok || signature != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	return ev, nil
}

// --- маркер событий ---

type fakeEventMarker struct {
	seen map[string]bool
}

func newFakeEventMarker() *fakeEventMarker {
	return &fakeEventMarker{seen: map[string]bool{}}
}

func (m *fakeEventMarker) Seen(ctx context.Context, id string) (bool, error) { return m.seen[id], nil }

func (m *fakeEventMarker) Mark(ctx context.Context, id string) error {
	m.seen[id] = true
	return nil
}

// --- сборка сервисов ---

func newPricer() *service.Pricer {
	return service.NewPricer(dec("0.08"), dec("10.00"), dec("100.00"))
}

func strPtr(s string) *string { return &s }

var testAddress = models.Address{
	FullName:   "Jane Doe",
	Line1:      "1 Main St",
	City:       "Springfield",
	PostalCode: "12345",
	Country:    "US",
}
