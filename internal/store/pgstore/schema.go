package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the ledger tables. Column names match the gorm models so
// either store can serve the same database.
const Schema = `
create table if not exists accounts (
	account_id text primary key,
	plan_tier text not null default 'free' check (plan_tier in ('free', 'premium')),
	subscription_plan_id text,
	subscription_start_unix_utc bigint not null default 0,
	subscription_end_unix_utc bigint not null default 0,
	balance bigint not null default 0 check (balance >= 0),
	last_grant_unix_utc bigint not null default 0,
	next_grant_due_unix_utc bigint not null default 0,
	last_free_grant_unix_utc bigint not null default 0,
	billing_customer_id text,
	billing_subscription_id text,
	version bigint not null default 0,
	created_at timestamptz not null default now()
);
create unique index if not exists uniq_accounts_billing_customer on accounts(billing_customer_id);
create index if not exists idx_accounts_billing_subscription on accounts(billing_subscription_id);
create index if not exists idx_accounts_tier_due on accounts(plan_tier, next_grant_due_unix_utc);

create table if not exists ledger_entries (
	sequence bigserial primary key,
	entry_id text not null default gen_random_uuid()::text,
	account_id text not null references accounts(account_id),
	kind text not null,
	amount bigint not null check (amount <> 0),
	plan_id text,
	description text not null default '',
	idempotency_key text,
	metadata jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now()
);
create unique index if not exists uniq_ledger_entry_id on ledger_entries(entry_id);
create unique index if not exists uniq_entry_account_idem on ledger_entries(account_id, idempotency_key);
create index if not exists idx_ledger_account_sequence on ledger_entries(account_id, sequence desc);

create table if not exists processed_events (
	account_id text not null references accounts(account_id),
	idempotency_key text not null,
	event_type text not null,
	outcome text not null,
	created_at timestamptz not null default now(),
	primary key (account_id, idempotency_key)
);

create table if not exists service_requests (
	request_id text primary key,
	account_id text not null references accounts(account_id),
	services text not null,
	cost bigint not null check (cost > 0),
	status text not null check (status in ('pending', 'processing', 'completed')),
	refunded boolean not null default false,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create index if not exists idx_requests_account_created on service_requests(account_id, created_at desc);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}
