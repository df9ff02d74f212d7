package postgres

import (
	"context"
	"database/sql"
	"fmt"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

// EntityAdapter implements storage.EntityStore using PostgreSQL, sharing the
// event adapter's connection pool.
type EntityAdapter struct {
	db *sql.DB
}

// NewEntityAdapter creates an EntityAdapter on the given connection.
func NewEntityAdapter(db *sql.DB) *EntityAdapter {
	return &EntityAdapter{db: db}
}

func (a *EntityAdapter) GetUser(ctx context.Context, userID string) (*v1.User, error) {
	u, err := scanUser(a.db.QueryRowContext(ctx, queryGetUser, userID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}
	return u, nil
}

func (a *EntityAdapter) GetAccount(ctx context.Context, accountID string) (*v1.Account, error) {
	acct, err := scanAccount(a.db.QueryRowContext(ctx, queryGetAccount, accountID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %q: %w", accountID, err)
	}
	return acct, nil
}

func (a *EntityAdapter) GetProduct(ctx context.Context, productID string) (*v1.Product, error) {
	p, err := scanProduct(a.db.QueryRowContext(ctx, queryGetProduct, productID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %q: %w", productID, err)
	}
	return p, nil
}

func (a *EntityAdapter) ListUsersByAccount(ctx context.Context, accountID string) ([]*v1.User, error) {
	rows, err := a.db.QueryContext(ctx, queryListUsersByAccount, accountID)
	if err != nil {
		return nil, fmt.Errorf("list users for account %q: %w", accountID, err)
	}
	defer rows.Close()

	var users []*v1.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

func (a *EntityAdapter) ListAccounts(ctx context.Context) ([]*v1.Account, error) {
	rows, err := a.db.QueryContext(ctx, queryListAccounts)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*v1.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

func (a *EntityAdapter) ListProducts(ctx context.Context) ([]*v1.Product, error) {
	rows, err := a.db.QueryContext(ctx, queryListProducts)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*v1.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

// EntityExists answers the ingestion validator's referential check.
// Only user and account entities have reference records; anything else
// trivially exists.
func (a *EntityAdapter) EntityExists(ctx context.Context, entityType v1.EntityType, entityID string) (bool, error) {
	var query string
	switch entityType {
	case v1.EntityUser:
		query = queryUserExists
	case v1.EntityAccount:
		query = queryAccountExists
	default:
		return true, nil
	}

	var exists bool
	if err := a.db.QueryRowContext(ctx, query, entityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s %q exists: %w", entityType, entityID, err)
	}
	return exists, nil
}

func (a *EntityAdapter) SaveUser(ctx context.Context, u *v1.User) error {
	_, err := a.db.ExecContext(ctx, querySaveUser,
		u.UserID,
		nullString(u.AccountID),
		nullString(u.Email),
		nullString(u.Country),
		nullString(u.PlanType),
		nullString(u.AcquisitionSource),
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save user %q: %w", u.UserID, err)
	}
	return nil
}

func (a *EntityAdapter) SaveAccount(ctx context.Context, acct *v1.Account) error {
	_, err := a.db.ExecContext(ctx, querySaveAccount,
		acct.AccountID,
		nullString(acct.Name),
		acct.SubscriptionTier,
		acct.TotalSeats,
		acct.MonthlyRecurringRevenue,
		nullTime(acct.RenewalDate),
		acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %q: %w", acct.AccountID, err)
	}
	return nil
}

func (a *EntityAdapter) SaveProduct(ctx context.Context, p *v1.Product) error {
	_, err := a.db.ExecContext(ctx, querySaveProduct,
		p.ProductID,
		nullString(p.Name),
		p.Tier,
		nullString(p.ParentID),
		p.Active,
	)
	if err != nil {
		return fmt.Errorf("save product %q: %w", p.ProductID, err)
	}
	return nil
}

func scanUser(row scanner) (*v1.User, error) {
	var (
		u         v1.User
		accountID sql.NullString
		email     sql.NullString
		country   sql.NullString
		planType  sql.NullString
		source    sql.NullString
	)
	err := row.Scan(
		&u.UserID,
		&accountID,
		&email,
		&country,
		&planType,
		&source,
		&u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user row: %w", err)
	}
	u.AccountID = accountID.String
	u.Email = email.String
	u.Country = country.String
	u.PlanType = planType.String
	u.AcquisitionSource = source.String
	return &u, nil
}

func scanAccount(row scanner) (*v1.Account, error) {
	var (
		acct    v1.Account
		name    sql.NullString
		renewal sql.NullTime
	)
	err := row.Scan(
		&acct.AccountID,
		&name,
		&acct.SubscriptionTier,
		&acct.TotalSeats,
		&acct.MonthlyRecurringRevenue,
		&renewal,
		&acct.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account row: %w", err)
	}
	acct.Name = name.String
	acct.RenewalDate = renewal.Time
	return &acct, nil
}

func scanProduct(row scanner) (*v1.Product, error) {
	var (
		p        v1.Product
		name     sql.NullString
		parentID sql.NullString
	)
	err := row.Scan(
		&p.ProductID,
		&name,
		&p.Tier,
		&parentID,
		&p.Active,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product row: %w", err)
	}
	p.Name = name.String
	p.ParentID = parentID.String
	return &p, nil
}
