package models

import (
	"strconv"
	"time"

	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"

	"gorm.io/gorm"
)

// ============================================================
// Accounts & Auth
// ============================================================

// User represents users table (an Account)
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"uniqueIndex;size:50;not null" json:"username"`
	Email        string         `gorm:"uniqueIndex;size:100;not null" json:"email"`
	DisplayName  string         `gorm:"size:100" json:"display_name"`
	Password     string         `gorm:"size:255;not null" json:"-"`
	Role         string         `gorm:"size:20;default:'GENERAL_USER'" json:"role"`
	BuildingCode string         `gorm:"size:20" json:"building_code"`
	IsActive     bool           `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	Rooms []AccountRoom `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// Account room relations
const (
	RelationManaged    = "MANAGED"
	RelationAccessible = "ACCESSIBLE"
)

// AccountRoom links an account to a room it manages (Owner) or accesses (Tenant)
type AccountRoom struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_account_room" json:"user_id"`
	RoomCode  string    `gorm:"size:20;not null;uniqueIndex:idx_account_room" json:"room_code"`
	Relation  string    `gorm:"size:20;not null;uniqueIndex:idx_account_room" json:"relation"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AccountRoom) TableName() string {
	return "account_rooms"
}

// RoomCodes returns the codes linked with the given relation
func (u *User) RoomCodes(relation string) []string {
	codes := []string{}
	for _, r := range u.Rooms {
		if r.Relation == relation {
			codes = append(codes, r.RoomCode)
		}
	}
	return codes
}

// AuthContext builds the authorization context from the stored account.
// An unrecognised role string yields an empty role, which every check denies.
func (u *User) AuthContext() authz.AuthContext {
	role, _ := authz.ParseRole(u.Role)
	return authz.AuthContext{
		AccountID:       u.ID,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		Role:            role,
		ManagedRooms:    u.RoomCodes(RelationManaged),
		AccessibleRooms: u.RoomCodes(RelationAccessible),
		BuildingCode:    u.BuildingCode,
	}
}

// UserResponse DTO
type UserResponse struct {
	ID              uint      `json:"id"`
	Username        string    `json:"username"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	Role            string    `json:"role"`
	BuildingCode    string    `json:"building_code,omitempty"`
	ManagedRooms    []string  `json:"managed_rooms"`
	AccessibleRooms []string  `json:"accessible_rooms"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		Role:            u.Role,
		BuildingCode:    u.BuildingCode,
		ManagedRooms:    u.RoomCodes(RelationManaged),
		AccessibleRooms: u.RoomCodes(RelationAccessible),
		IsActive:        u.IsActive,
		CreatedAt:       u.CreatedAt,
	}
}

// RefreshToken represents refresh_tokens table
type RefreshToken struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"index;not null" json:"user_id"`
	TokenHash string     `gorm:"size:255;not null;index" json:"-"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	RevokedAt *time.Time `gorm:"index" json:"revoked_at"`
	User      User       `gorm:"foreignKey:UserID" json:"-"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

func (rt *RefreshToken) IsRevoked() bool {
	return rt.RevokedAt != nil
}

func (rt *RefreshToken) IsExpired() bool {
	return time.Now().After(rt.ExpiresAt)
}

// ============================================================
// Rooms
// ============================================================

// Room represents rooms table
type Room struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Code         string         `gorm:"size:20;uniqueIndex;not null" json:"code"`
	BuildingCode string         `gorm:"size:20;index" json:"building_code"`
	TenantName   string         `gorm:"size:100" json:"tenant_name"`
	Status       string         `gorm:"size:20;not null;default:'vacant'" json:"status"`
	Size         string         `gorm:"size:50" json:"size"`
	Rent         float64        `gorm:"type:decimal(12,2);not null;default:0" json:"rent"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	AddOns []RoomAddOn `gorm:"foreignKey:RoomID" json:"add_ons"`
}

func (Room) TableName() string {
	return "rooms"
}

// RoomAddOn is a recurring charge billed with rent
type RoomAddOn struct {
	ID     uint    `gorm:"primaryKey" json:"id"`
	RoomID uint    `gorm:"not null;index" json:"room_id"`
	Name   string  `gorm:"size:100;not null" json:"name"`
	Price  float64 `gorm:"type:decimal(12,2);not null" json:"price"`
}

func (RoomAddOn) TableName() string {
	return "room_add_ons"
}

// AddOnPrices returns the prices of all add-ons
func (r *Room) AddOnPrices() []float64 {
	prices := make([]float64, len(r.AddOns))
	for i, a := range r.AddOns {
		prices[i] = a.Price
	}
	return prices
}

// ============================================================
// Bills
// ============================================================

// BillEvidence is the uploaded payment proof (embedded, prefix evidence_)
type BillEvidence struct {
	URL        string     `gorm:"size:500" json:"url,omitempty"`
	Path       string     `gorm:"size:500" json:"-"`
	FileName   string     `gorm:"size:255" json:"file_name,omitempty"`
	Size       int64      `json:"size,omitempty"`
	MimeType   string     `gorm:"size:50" json:"mime_type,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	UploadedBy *uint      `json:"uploaded_by,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	DeletedBy  *uint      `json:"deleted_by,omitempty"`
}

// Present reports whether evidence is attached
func (e BillEvidence) Present() bool {
	return e.URL != ""
}

// BillPayment is the payment confirmation sub-state (embedded, prefix payment_)
type BillPayment struct {
	Confirmed   bool       `gorm:"default:false" json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy *uint      `json:"confirmed_by,omitempty"`
}

// Bill represents bills table. Deleting a bill removes the row.
type Bill struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RoomCode     string    `gorm:"size:20;not null;index" json:"room_code"`
	BuildingCode string    `gorm:"size:20;index" json:"building_code"`
	TenantName   string    `gorm:"size:100" json:"tenant_name"`
	IssueDate    time.Time `gorm:"type:date;not null;index" json:"issue_date"`
	DueDate      time.Time `gorm:"type:date;not null;index" json:"due_date"`

	ElecPrevious float64 `gorm:"type:decimal(12,2);not null" json:"electricity_previous"`
	ElecCurrent  float64 `gorm:"type:decimal(12,2);not null" json:"electricity_current"`
	ElecRate     float64 `gorm:"type:decimal(10,4);not null" json:"electricity_rate"`
	ElecUnits    float64 `gorm:"type:decimal(12,2);not null" json:"electricity_units"`
	ElecTotal    float64 `gorm:"type:decimal(12,2);not null" json:"electricity_total"`

	WaterPrevious *float64 `gorm:"type:decimal(12,2)" json:"water_previous"`
	WaterCurrent  *float64 `gorm:"type:decimal(12,2)" json:"water_current"`
	WaterRate     *float64 `gorm:"type:decimal(10,4)" json:"water_rate"`
	WaterUnits    *float64 `gorm:"type:decimal(12,2)" json:"water_units"`
	WaterTotal    *float64 `gorm:"type:decimal(12,2)" json:"water_total"`

	HouseholdWaterUnits *float64 `gorm:"type:decimal(12,2)" json:"household_water_units,omitempty"`
	HouseholdWaterTotal *float64 `gorm:"type:decimal(12,2)" json:"household_water_total,omitempty"`

	Evidence BillEvidence `gorm:"embedded;embeddedPrefix:evidence_" json:"evidence"`
	Payment  BillPayment  `gorm:"embedded;embeddedPrefix:payment_" json:"payment"`

	Version   uint      `gorm:"not null;default:1" json:"version"`
	CreatedBy uint      `gorm:"not null" json:"created_by"`
	UpdatedBy *uint     `json:"updated_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Bill) TableName() string {
	return "bills"
}

// State derives the lifecycle state
func (b *Bill) State() domain.BillState {
	return domain.ResolveBillState(b.Evidence.Present(), b.Payment.Confirmed)
}

// WaterTotalOrZero returns the water total, 0 when the bill has no water reading
func (b *Bill) WaterTotalOrZero() float64 {
	if b.WaterTotal == nil {
		return 0
	}
	return *b.WaterTotal
}

// BillResponse DTO
type BillResponse struct {
	*Bill
	State        domain.BillState `json:"state"`
	ReceiptTotal float64          `json:"receipt_total"`
	EvidenceURL  string           `json:"evidence_url,omitempty"`
}

func (b *Bill) ToResponse() *BillResponse {
	resp := &BillResponse{
		Bill:         b,
		State:        b.State(),
		ReceiptTotal: domain.ReceiptTotal(b.ElecTotal, b.WaterTotalOrZero()),
	}
	if b.Evidence.Present() {
		resp.EvidenceURL = "/api/v1/bills/" + strconv.FormatUint(uint64(b.ID), 10) + "/evidence"
	}
	return resp
}

// BillEvent is the append-only history of a bill's lifecycle
type BillEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	BillID      uint      `gorm:"not null;index" json:"bill_id"`
	RoomCode    string    `gorm:"size:20;not null;index" json:"room_code"`
	EventType   string    `gorm:"size:50;not null" json:"event_type"`
	Amount      *float64  `gorm:"type:decimal(12,2)" json:"amount"`
	Description string    `gorm:"type:text" json:"description"`
	PerformedBy uint      `gorm:"not null" json:"performed_by"`
	IPAddress   string    `gorm:"size:50" json:"ip_address"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`

	Performer *User `gorm:"foreignKey:PerformedBy" json:"performer,omitempty"`
}

func (BillEvent) TableName() string {
	return "bill_events"
}

// Bill event types
const (
	EventCreate          = "CREATE"
	EventUpdate          = "UPDATE"
	EventDelete          = "DELETE"
	EventEvidenceAttach  = "EVIDENCE_ATTACH"
	EventEvidenceDelete  = "EVIDENCE_DELETE"
	EventPaymentConfirm  = "PAYMENT_CONFIRM"
	EventImportCompleted = "IMPORT"
)

// BillSummary aggregates bills for the reports dashboard
type BillSummary struct {
	TotalBills        int64   `json:"total_bills"`
	RecordedBills     int64   `json:"recorded_bills"`
	EvidenceBills     int64   `json:"evidence_attached_bills"`
	ConfirmedBills    int64   `json:"confirmed_bills"`
	OverdueBills      int64   `json:"overdue_bills"`
	OutstandingAmount float64 `json:"outstanding_amount"`
	CollectedAmount   float64 `json:"collected_amount"`
}

// ============================================================
// Auto Migration
// ============================================================

// AutoMigrate runs auto migration for all tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&AccountRoom{},
		&RefreshToken{},
		&Room{},
		&RoomAddOn{},
		&Bill{},
		&BillEvent{},
	)
}
