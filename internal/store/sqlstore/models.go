package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/uptrace/bun"
)

type accountModel struct {
	bun.BaseModel `bun:"table:accounts"`
	ID            string         `bun:"id,pk"`
	Email         sql.NullString `bun:"email,unique"`
	Name          string         `bun:"name,notnull"`
	Balance       int64          `bun:"balance,notnull"`
	Role          string         `bun:"role,notnull"`
	FeeCollector  bool           `bun:"fee_collector,notnull"`
	PINHash       string         `bun:"pin_hash,notnull"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
}

func toAccountModel(acc domain.Account) accountModel {
	return accountModel{
		ID:           acc.ID,
		Email:        sql.NullString{String: acc.Email, Valid: acc.Email != ""},
		Name:         acc.Name,
		Balance:      acc.Balance,
		Role:         string(acc.Role),
		FeeCollector: acc.FeeCollector,
		PINHash:      acc.PINHash,
		CreatedAt:    acc.CreatedAt.UTC(),
	}
}

func (m accountModel) toDomain() domain.Account {
	return domain.Account{
		ID:           m.ID,
		Email:        m.Email.String,
		Name:         m.Name,
		Balance:      m.Balance,
		Role:         domain.Role(m.Role),
		FeeCollector: m.FeeCollector,
		PINHash:      m.PINHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

type transactionModel struct {
	bun.BaseModel `bun:"table:transactions"`
	Seq           int64     `bun:"seq,pk"`
	TransactionID string    `bun:"transaction_id,unique,notnull"`
	SenderID      string    `bun:"sender_id,notnull"`
	ReceiverID    string    `bun:"receiver_id,notnull"`
	Amount        int64     `bun:"amount,notnull"`
	FeeCharged    int64     `bun:"fee_charged,notnull"`
	FeeSourcing   string    `bun:"fee_sourcing,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func (m transactionModel) toDomain() domain.Transaction {
	return domain.Transaction{
		TransactionID: m.TransactionID,
		Seq:           m.Seq,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Amount:        m.Amount,
		FeeCharged:    m.FeeCharged,
		FeeSourcing:   domain.FeeSourcing(m.FeeSourcing),
		Timestamp:     m.CreatedAt.UTC(),
	}
}

// Migrate creates the tables and indexes when they do not exist yet.
func Migrate(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*accountModel)(nil), (*transactionModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	indexes := []struct {
		name    string
		columns []string
	}{
		{"transactions_sender_idx", []string{"sender_id", "created_at", "seq"}},
		{"transactions_receiver_idx", []string{"receiver_id", "created_at", "seq"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model((*transactionModel)(nil)).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
