package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/lib/pq"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// UserRepository はスタッフ情報の参照を担当するインターフェースです
type UserRepository interface {
	GetStaffWithPhone(ctx context.Context) ([]model.StaffUser, error)
}

// UserRepositoryImpl はUserRepositoryの実装です
type UserRepositoryImpl struct {
	db *DB
}

// NewUserRepository は新しいUserRepositoryを作成します
func NewUserRepository(db *DB) UserRepository {
	return &UserRepositoryImpl{
		db: db,
	}
}

// GetStaffWithPhone は電話番号が登録されているスタッフを取得します
func (r *UserRepositoryImpl) GetStaffWithPhone(ctx context.Context) ([]model.StaffUser, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "UserRepository.GetStaffWithPhone")
	defer seg.Close(nil)

	query := `
		SELECT id, name, phone, role
		FROM users
		WHERE role = ANY($1)
		AND phone IS NOT NULL
		AND phone <> ''
		ORDER BY id`

	roles := make(pq.StringArray, 0, len(model.StaffRoles))
	for _, role := range model.StaffRoles {
		roles = append(roles, string(role))
	}

	staff := []model.StaffUser{}
	if err := r.db.SelectContext(ctx, &staff, query, roles); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to get staff users: %w", err)
	}

	return staff, nil
}
