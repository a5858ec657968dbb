package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/adapters/storage"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"

	"gorm.io/gorm"
)

var errBoom = errors.New("boom")

// ---- bills ----

type fakeBillRepo struct {
	mu        sync.Mutex
	nextID    uint
	bills     map[uint]*models.Bill
	updateErr error
	onCreate  func(*models.Bill)
}

func newFakeBillRepo() *fakeBillRepo {
	return &fakeBillRepo{nextID: 1, bills: map[uint]*models.Bill{}}
}

func clone(b *models.Bill) *models.Bill {
	c := *b
	return &c
}

func (r *fakeBillRepo) Create(_ context.Context, bill *models.Bill) error {
	r.mu.Lock()
	bill.ID = r.nextID
	bill.Version = 1
	r.nextID++
	r.bills[bill.ID] = clone(bill)
	hook := r.onCreate
	r.mu.Unlock()
	if hook != nil {
		hook(bill)
	}
	return nil
}

func (r *fakeBillRepo) GetByID(_ context.Context, id uint) (*models.Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bills[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return clone(b), nil
}

func (r *fakeBillRepo) Update(_ context.Context, bill *models.Bill, expected uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	stored, ok := r.bills[bill.ID]
	if !ok || stored.Version != expected {
		return domain.ErrStaleBill
	}
	bill.Version = expected + 1
	r.bills[bill.ID] = clone(bill)
	return nil
}

func (r *fakeBillRepo) Delete(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bills, id)
	return nil
}

func (r *fakeBillRepo) GetLatestByRoom(_ context.Context, room string) (*models.Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Bill
	for _, b := range r.bills {
		if b.RoomCode != room {
			continue
		}
		if latest == nil || b.IssueDate.After(latest.IssueDate) || (b.IssueDate.Equal(latest.IssueDate) && b.ID > latest.ID) {
			latest = b
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return clone(latest), nil
}

func (r *fakeBillRepo) match(f repositories.BillFilter, b *models.Bill) bool {
	if f.Scoped {
		found := false
		for _, c := range f.RoomCodes {
			if c == b.RoomCode {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.RoomCode != "" && f.RoomCode != b.RoomCode {
		return false
	}
	if f.From != nil && b.IssueDate.Before(*f.From) {
		return false
	}
	if f.To != nil && b.IssueDate.After(*f.To) {
		return false
	}
	return true
}

func (r *fakeBillRepo) List(_ context.Context, f repositories.BillFilter, offset, limit int) ([]*models.Bill, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Bill
	for _, b := range r.bills {
		if r.match(f, b) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return []*models.Bill{}, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeBillRepo) ListOverdue(_ context.Context, asOf time.Time) ([]*models.Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Bill
	for _, b := range r.bills {
		if !b.Payment.Confirmed && b.DueDate.Before(asOf) {
			out = append(out, clone(b))
		}
	}
	return out, nil
}

func (r *fakeBillRepo) Summarize(_ context.Context, f repositories.BillFilter, asOf time.Time) (*models.BillSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &models.BillSummary{}
	for _, b := range r.bills {
		if !r.match(f, b) {
			continue
		}
		s.TotalBills++
		amount := ComputeReceiptTotal(b)
		switch b.State() {
		case domain.BillStateConfirmed:
			s.ConfirmedBills++
			s.CollectedAmount += amount
		case domain.BillStateEvidenceAttached:
			s.EvidenceBills++
			s.OutstandingAmount += amount
		default:
			s.RecordedBills++
			s.OutstandingAmount += amount
		}
		if !b.Payment.Confirmed && b.DueDate.Before(asOf) {
			s.OverdueBills++
		}
	}
	return s, nil
}

func (r *fakeBillRepo) RoomRefs(_ context.Context) ([]authz.RoomRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var refs []authz.RoomRef
	for _, b := range r.bills {
		if !seen[b.RoomCode] {
			seen[b.RoomCode] = true
			refs = append(refs, authz.RoomRef{Code: b.RoomCode, BuildingCode: b.BuildingCode})
		}
	}
	return refs, nil
}

// ---- events ----

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*models.BillEvent
}

func (r *fakeEventRepo) Create(_ context.Context, e *models.BillEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeEventRepo) ListByBill(_ context.Context, id uint) ([]*models.BillEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BillEvent
	for _, e := range r.events {
		if e.BillID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// ---- rooms ----

type fakeRoomRepo struct {
	mu        sync.Mutex
	rooms     map[string]*models.Room
	users     *fakeUserRepo // receives tenant links from AssignTenant
	updateErr error
}

func newFakeRoomRepo(rooms ...*models.Room) *fakeRoomRepo {
	r := &fakeRoomRepo{rooms: map[string]*models.Room{}}
	for i, room := range rooms {
		room.ID = uint(i + 1)
		r.rooms[room.Code] = room
	}
	return r
}

func (r *fakeRoomRepo) Create(_ context.Context, room *models.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.ID = uint(len(r.rooms) + 1)
	c := *room
	r.rooms[room.Code] = &c
	return nil
}

func (r *fakeRoomRepo) GetByCode(_ context.Context, code string) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *room
	return &c, nil
}

func (r *fakeRoomRepo) Update(_ context.Context, room *models.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	c := *room
	r.rooms[room.Code] = &c
	return nil
}

// AssignTenant applies both writes or neither
func (r *fakeRoomRepo) AssignTenant(ctx context.Context, room *models.Room, accountID uint) error {
	if err := r.Update(ctx, room); err != nil {
		return err
	}
	if r.users == nil {
		return nil
	}
	return r.users.linkRoom(accountID, room.Code, models.RelationAccessible)
}

func (r *fakeRoomRepo) ListAll(_ context.Context) ([]*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		c := *room
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *fakeRoomRepo) ExistsByCode(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[code]
	return ok, nil
}

// ---- users ----

type fakeUserRepo struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]*models.User
}

func newFakeUserRepo(users ...*models.User) *fakeUserRepo {
	r := &fakeUserRepo{nextID: 1, users: map[uint]*models.User{}}
	for _, u := range users {
		_ = r.Create(context.Background(), u)
	}
	return r
}

func (r *fakeUserRepo) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == 0 {
		u.ID = r.nextID
	}
	if u.ID >= r.nextID {
		r.nextID = u.ID + 1
	}
	c := *u
	r.users[u.ID] = &c
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *u
	c.Rooms = append([]models.AccountRoom(nil), u.Rooms...)
	return &c, nil
}

func (r *fakeUserRepo) find(pred func(*models.User) bool) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if pred(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, name string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Username == name })
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Email == email })
}

func (r *fakeUserRepo) Update(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.users[u.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	c := *u
	c.Rooms = stored.Rooms
	r.users[u.ID] = &c
	return nil
}

func (r *fakeUserRepo) Delete(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

func (r *fakeUserRepo) List(_ context.Context, offset, limit int) ([]*models.User, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.User
	for _, u := range r.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeUserRepo) ExistsByUsername(ctx context.Context, name string) (bool, error) {
	_, err := r.GetByUsername(ctx, name)
	return err == nil, nil
}

func (r *fakeUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := r.GetByEmail(ctx, email)
	return err == nil, nil
}

func (r *fakeUserRepo) ReplaceRooms(_ context.Context, id uint, relation string, codes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	kept := []models.AccountRoom{}
	for _, link := range u.Rooms {
		if link.Relation != relation {
			kept = append(kept, link)
		}
	}
	for _, c := range codes {
		kept = append(kept, models.AccountRoom{UserID: id, RoomCode: c, Relation: relation})
	}
	u.Rooms = kept
	return nil
}

func (r *fakeUserRepo) linkRoom(id uint, code, relation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for _, link := range u.Rooms {
		if link.RoomCode == code && link.Relation == relation {
			return nil
		}
	}
	u.Rooms = append(u.Rooms, models.AccountRoom{UserID: id, RoomCode: code, Relation: relation})
	return nil
}

func (r *fakeUserRepo) RemoveRoomLinks(_ context.Context, code, relation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		kept := []models.AccountRoom{}
		for _, link := range u.Rooms {
			if !(link.RoomCode == code && link.Relation == relation) {
				kept = append(kept, link)
			}
		}
		u.Rooms = kept
	}
	return nil
}

// ---- refresh tokens ----

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens []*models.RefreshToken
}

func (r *fakeTokenRepo) Create(_ context.Context, t *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = uint(len(r.tokens) + 1)
	r.tokens = append(r.tokens, t)
	return nil
}

func (r *fakeTokenRepo) GetByTokenHash(_ context.Context, hash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.TokenHash == hash {
			c := *t
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeTokenRepo) RevokeByTokenHash(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, t := range r.tokens {
		if t.TokenHash == hash && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (r *fakeTokenRepo) RevokeAllByUserID(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, t := range r.tokens {
		if t.UserID == id && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (r *fakeTokenRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*models.RefreshToken
	var n int64
	for _, t := range r.tokens {
		if t.IsExpired() {
			n++
			continue
		}
		kept = append(kept, t)
	}
	r.tokens = kept
	return n, nil
}

func (r *fakeTokenRepo) CountActiveByUserID(_ context.Context, id uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if t.UserID == id && !t.IsRevoked() && !t.IsExpired() {
			n++
		}
	}
	return n, nil
}

// ---- object storage ----

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	uploadErr error
	urlErr    error
	// block, when set, makes Upload wait for ctx cancellation after the first chunk
	block bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Upload(ctx context.Context, path string, r io.Reader, size int64, _ storage.Meta, progress func(int64)) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	var buf bytes.Buffer
	chunk := make([]byte, 64<<10)
	for {
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if progress != nil && n > 0 {
			progress(int64(buf.Len()))
		}
		if s.block {
			<-ctx.Done()
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = buf.Bytes()
	return nil
}

func (s *fakeStore) URL(_ context.Context, path string) (string, error) {
	if s.urlErr != nil {
		return "", s.urlErr
	}
	return "/files/" + path, nil
}

func (s *fakeStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[strings.TrimPrefix(ref, "/files/")]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := strings.TrimPrefix(ref, "/files/")
	delete(s.objects, path)
	s.deleted = append(s.deleted, path)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// ---- notifier ----

type fakeNotifier struct {
	mu        sync.Mutex
	evidence  int
	confirmed int
	digests   [][]*models.Bill
}

func (n *fakeNotifier) EvidenceUploaded(context.Context, *models.Bill) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evidence++
	return nil
}

func (n *fakeNotifier) PaymentConfirmed(context.Context, *models.Bill) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed++
	return nil
}

func (n *fakeNotifier) OverdueDigest(_ context.Context, bills []*models.Bill) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digests = append(n.digests, bills)
	return nil
}

// ---- helpers ----

func f64(v float64) *float64 { return &v }

var (
	admin  = authz.AuthContext{AccountID: 1, Role: authz.RoleAdministrator}
	owner  = authz.AuthContext{AccountID: 2, Role: authz.RoleOwner, ManagedRooms: []string{"101", "102"}}
	tenant = authz.AuthContext{AccountID: 3, Role: authz.RoleTenant, AccessibleRooms: []string{"101"}}
	guest  = authz.AuthContext{AccountID: 4, Role: authz.RoleGeneralUser}
)

func billInput(room string, cur, prev, rate float64) *CreateBillInput {
	return &CreateBillInput{
		RoomCode:    room,
		IssueDate:   "2024-05-01",
		DueDate:     "2024-05-10",
		Electricity: ReadingInput{Current: f64(cur), Previous: f64(prev), Rate: f64(rate)},
	}
}

// pngBytes returns a PNG signature padded to size bytes
func pngBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00"))
	return b
}

// jpegBytes returns a JPEG SOI/APP0 header padded to size bytes
func jpegBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))
	return b
}
