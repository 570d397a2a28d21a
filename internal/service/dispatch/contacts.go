package dispatch

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// Contacts は宿泊者に利用できる連絡先です
// 宿泊者ごとに一度だけ解決し、各チャネルはこれを参照します
type Contacts struct {
	Email string
	// Phone はE.164形式に正規化した電話番号です
	Phone string
}

func (c Contacts) HasEmail() bool { return c.Email != "" }

func (c Contacts) HasPhone() bool { return c.Phone != "" }

// ContactResolver は連絡先を検証・正規化します
type ContactResolver struct {
	validate *validator.Validate
	region   string
}

// NewContactResolver は国番号なしの電話番号をregionの番号として扱うResolverを作成します
func NewContactResolver(region string) *ContactResolver {
	return &ContactResolver{
		validate: validator.New(),
		region:   strings.ToUpper(region),
	}
}

// Resolve は宿泊者の連絡先を解決します。不正な値は連絡先なしとして扱います
func (r *ContactResolver) Resolve(guest model.Guest) Contacts {
	var c Contacts
	if email := strings.TrimSpace(guest.Email); email != "" {
		if err := r.validate.Var(email, "email"); err == nil {
			c.Email = email
		}
	}
	if phone, err := r.NormalizePhone(guest.Phone); err == nil {
		c.Phone = phone
	}
	return c
}

// NormalizePhone は電話番号をE.164形式に変換します
func (r *ContactResolver) NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("phone number is empty")
	}
	p, err := libphonenumber.Parse(phone, r.region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
