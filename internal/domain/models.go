package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelInPerson Channel = "IN_PERSON"
	ChannelOnline   Channel = "ONLINE"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

type EntryType string

const (
	EntryIn         EntryType = "IN"
	EntryOut        EntryType = "OUT"
	EntryAdjustment EntryType = "ADJUSTMENT"
	EntryExpired    EntryType = "EXPIRED"
	EntryReturn     EntryType = "RETURN"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentEWallet  = "ewallet"
	PaymentTransfer = "transfer"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// Product is owned by the catalog; the ledger only reads it.
type Product struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Unit     string `json:"unit" db:"unit"`
	MinStock int    `json:"min_stock" db:"min_stock"`
}

type StockBatch struct {
	ID            string          `json:"id" db:"id"`
	ProductID     string          `json:"product_id" db:"product_id"`
	BatchCode     *string         `json:"batch_code,omitempty" db:"batch_code"`
	Quantity      int             `json:"quantity" db:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
	SellingPrice  decimal.Decimal `json:"selling_price" db:"selling_price"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty" db:"expiry_date"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	Version       int64           `json:"-" db:"version"`
}

// Expired reports whether the batch is past its expiry date at the given instant.
func (b StockBatch) Expired(at time.Time) bool {
	return b.ExpiryDate != nil && !b.ExpiryDate.After(at)
}

// LedgerEntry records one quantity change. Seq is assigned by the store in
// commit order and is the ordering key for history and replay.
type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	Seq            int64     `json:"seq,omitempty" db:"seq"`
	ProductID      string    `json:"product_id" db:"product_id"`
	BatchID        *string   `json:"batch_id,omitempty" db:"batch_id"`
	Type           EntryType `json:"type" db:"type"`
	QuantityDelta  int       `json:"quantity_delta" db:"quantity_delta"`
	QuantityBefore int       `json:"quantity_before" db:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after" db:"quantity_after"`
	Notes          string    `json:"notes" db:"notes"`
	ActorID        *string   `json:"actor_id,omitempty" db:"actor_id"`
	OrderID        *string   `json:"order_id,omitempty" db:"order_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type BatchAllocation struct {
	BatchID  string `json:"batch_id" db:"batch_id"`
	Quantity int    `json:"quantity" db:"quantity"`
}

type OrderItem struct {
	ID               string            `json:"id"`
	ProductID        string            `json:"product_id"`
	Quantity         int               `json:"quantity"`
	UnitPrice        decimal.Decimal   `json:"unit_price"`
	Subtotal         decimal.Decimal   `json:"subtotal"`
	BatchAllocations []BatchAllocation `json:"batch_allocations"`
}

// AllocatedQuantity sums the batch allocations recorded on the item.
func (i OrderItem) AllocatedQuantity() int {
	total := 0
	for _, alloc := range i.BatchAllocations {
		total += alloc.Quantity
	}
	return total
}

type Order struct {
	ID               string          `json:"id"`
	InvoiceNumber    string          `json:"invoice_number"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Channel          Channel         `json:"channel"`
	Status           OrderStatus     `json:"status"`
	Items            []OrderItem     `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CashReceived     decimal.Decimal `json:"cash_received"`
	Change           decimal.Decimal `json:"change"`
	CancelReason     *string         `json:"cancel_reason,omitempty"`
	ActorID          *string         `json:"actor_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	Version          int64           `json:"-"`
}

// BatchIDs returns every batch referenced by the order's allocations.
func (o Order) BatchIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		for _, alloc := range item.BatchAllocations {
			ids = append(ids, alloc.BatchID)
		}
	}
	return ids
}

type StockInRequest struct {
	ProductID     string          `json:"product_id" validate:"required"`
	Quantity      int             `json:"quantity"`
	BatchCode     string          `json:"batch_code,omitempty" validate:"omitempty,max=64"`
	ExpiryDate    string          `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	Notes         string          `json:"notes,omitempty" validate:"max=500"`
}

const (
	DirectionOut      = "out"
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
)

type StockOutRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity"`
	BatchCode string `json:"batch_code,omitempty" validate:"omitempty,max=64"`
	Notes     string `json:"notes,omitempty" validate:"max=500"`
	Direction string `json:"direction" validate:"required,oneof=out increase decrease"`
}

type AdjustStockRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type StockMovementResponse struct {
	Entries []LedgerEntry `json:"entries"`
}

type StockQuery struct {
	ProductID    string
	Status       string
	IncludeEmpty bool
	Limit        int
	Offset       int
}

const (
	StockStatusLowStock   = "low_stock"
	StockStatusNearExpiry = "near_expiry"
	StockStatusExpired    = "expired"
)

type StockView struct {
	StockBatch
	ProductName      string `json:"product_name,omitempty"`
	ProductAvailable int    `json:"product_available"`
	LowStock         bool   `json:"low_stock"`
	NearExpiry       bool   `json:"near_expiry"`
	Expired          bool   `json:"expired"`
}

type StockListResponse struct {
	Batches []StockView `json:"batches"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

type AvailabilityResponse struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

type LedgerPage struct {
	Entries    []LedgerEntry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type BatchReconciliation struct {
	BatchID  string `json:"batch_id"`
	Stored   int    `json:"stored"`
	Replayed int    `json:"replayed"`
	Entries  int    `json:"entries"`
	OK       bool   `json:"ok"`
	Problem  string `json:"problem,omitempty"`
}

type ReconcileReport struct {
	ProductID string                `json:"product_id"`
	Batches   []BatchReconciliation `json:"batches"`
	OK        bool                  `json:"ok"`
}

type SweepResult struct {
	ProcessedCount int `json:"processed_count"`
}

type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity"`
}

type PaymentRequest struct {
	Method       string          `json:"method" validate:"required,oneof=cash card qris ewallet transfer"`
	Reference    string          `json:"reference,omitempty" validate:"max=128"`
	CashReceived decimal.Decimal `json:"cash_received"`
	Confirmed    bool            `json:"confirmed"`
}

type CreateOrderRequest struct {
	Channel        Channel            `json:"channel" validate:"required,oneof=IN_PERSON ONLINE"`
	IdempotencyKey string             `json:"idempotency_key,omitempty" validate:"max=128"`
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	Discount       decimal.Decimal    `json:"discount"`
	Payment        PaymentRequest     `json:"payment"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}
