package model

import (
	"fmt"
	"time"
)

// BookingStatus は予約のステータスです
type BookingStatus string

const (
	BookingStatusPending    BookingStatus = "pending"
	BookingStatusConfirmed  BookingStatus = "confirmed"
	BookingStatusCheckedIn  BookingStatus = "checked-in"
	BookingStatusCheckedOut BookingStatus = "checked-out"
	BookingStatusCancelled  BookingStatus = "cancelled"
)

const (
	// StayNotificationRatio は滞在期間のうち通知を送る経過割合です
	StayNotificationRatio = 0.75
	// StayNotificationWindow は75%地点の前後で通知対象とする幅です
	StayNotificationWindow = 2 * time.Hour
)

// Guest は宿泊者です。電話番号とメールアドレスは任意項目です
type Guest struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email,omitempty"`
	Phone string `db:"phone" json:"phone,omitempty"`
}

// Room は部屋と所属するブロックです
type Room struct {
	ID     int64  `db:"id" json:"id"`
	Number string `db:"number" json:"number"`
	Block  string `db:"block_name" json:"block,omitempty"`
}

// Label は通知文やレポートで使う部屋の表示名を返します
func (r Room) Label() string {
	if r.Block == "" {
		return r.Number
	}
	return fmt.Sprintf("%s-%s", r.Block, r.Number)
}

// Booking は宿泊予約です
// guests, roomsをJOINした読み取り専用の情報を含みます
type Booking struct {
	ID       int64         `db:"id" json:"id"`
	GuestID  int64         `db:"guest_id" json:"guestId"`
	RoomID   int64         `db:"room_id" json:"roomId"`
	CheckIn  time.Time     `db:"check_in" json:"checkIn"`
	CheckOut time.Time     `db:"check_out" json:"checkOut"`
	Status   BookingStatus `db:"status" json:"status"`

	Guest Guest `db:"guest" json:"guest"`
	Room  Room  `db:"room" json:"room"`
}

// Validate は予約の不変条件(チェックアウト > チェックイン)を検証します
func (b Booking) Validate() error {
	if !b.CheckOut.After(b.CheckIn) {
		return fmt.Errorf("%w: booking %d check-out %s is not after check-in %s",
			ErrInvalidBooking, b.ID, b.CheckOut.Format(time.RFC3339), b.CheckIn.Format(time.RFC3339))
	}
	return nil
}

// StayThreshold は滞在期間の75%が経過する時刻を返します
func (b Booking) StayThreshold() time.Time {
	total := b.CheckOut.Sub(b.CheckIn)
	return b.CheckIn.Add(time.Duration(float64(total) * StayNotificationRatio))
}

// InStayNotificationWindow はnowが75%地点の前後2時間以内かどうかを返します
func (b Booking) InStayNotificationWindow(now time.Time) bool {
	diff := now.Sub(b.StayThreshold())
	if diff < 0 {
		diff = -diff
	}
	return diff <= StayNotificationWindow
}

// StaffRole はスタッフの権限です
type StaffRole string

const (
	StaffRoleAdmin   StaffRole = "admin"
	StaffRoleManager StaffRole = "manager"
	StaffRoleStaff   StaffRole = "staff"
)

// StaffRoles はダイジェスト通知とモニタリング画面の対象となる権限です
var StaffRoles = []StaffRole{StaffRoleAdmin, StaffRoleManager, StaffRoleStaff}

// IsStaffRole は権限がスタッフ権限に含まれるかどうかを返します
func IsStaffRole(role string) bool {
	for _, r := range StaffRoles {
		if string(r) == role {
			return true
		}
	}
	return false
}

// StaffUser はダイジェスト通知を受け取るスタッフです
type StaffUser struct {
	ID    int64     `db:"id" json:"id"`
	Name  string    `db:"name" json:"name"`
	Phone string    `db:"phone" json:"phone"`
	Role  StaffRole `db:"role" json:"role"`
}
