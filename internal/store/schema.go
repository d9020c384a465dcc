package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
)

type migration struct {
	name       string
	statements []string
}

// migrations are applied in order and recorded in _migrations.
var migrations = []migration{
	{
		name: "1_create_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id           TEXT PRIMARY KEY NOT NULL,
				name         TEXT NOT NULL DEFAULT '',
				organizer_id TEXT NOT NULL,
				venue        TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL DEFAULT 'published',
				start_at     TEXT NOT NULL DEFAULT '',
				created      TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS ticket_types (
				event_id     TEXT NOT NULL REFERENCES events (id) ON DELETE CASCADE,
				type         TEXT NOT NULL,
				price        TEXT NOT NULL DEFAULT '0',
				capacity     INTEGER NOT NULL CHECK (capacity >= 0),
				availability INTEGER NOT NULL CHECK (availability >= 0 AND availability <= capacity),
				PRIMARY KEY (event_id, type)
			)`,
		},
	},
	{
		name: "2_create_reservations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS reservations (
				id          TEXT PRIMARY KEY NOT NULL,
				event_id    TEXT NOT NULL,
				ticket_type TEXT NOT NULL,
				quantity    INTEGER NOT NULL CHECK (quantity > 0),
				status      TEXT NOT NULL DEFAULT 'held',
				expires_at  TEXT NOT NULL DEFAULT '',
				created     TEXT NOT NULL DEFAULT '',
				updated     TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_status_expires ON reservations (status, expires_at)`,
		},
	},
	{
		name: "3_create_orders",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS orders (
				id                  TEXT PRIMARY KEY NOT NULL,
				user_id             TEXT NOT NULL,
				event_id            TEXT NOT NULL,
				currency            TEXT NOT NULL,
				subtotal            TEXT NOT NULL DEFAULT '0',
				discount_id         TEXT NOT NULL DEFAULT '',
				discount_code       TEXT NOT NULL DEFAULT '',
				discount_amount     TEXT NOT NULL DEFAULT '0',
				total_amount        TEXT NOT NULL DEFAULT '0',
				payment_status      TEXT NOT NULL DEFAULT 'pending',
				status              TEXT NOT NULL DEFAULT 'pending',
				external_payment_id TEXT NOT NULL DEFAULT '',
				approval_url        TEXT NOT NULL DEFAULT '',
				idempotency_key     TEXT NOT NULL DEFAULT '',
				failure_reason      TEXT NOT NULL DEFAULT '',
				created             TEXT NOT NULL DEFAULT '',
				updated             TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_external_payment ON orders (external_payment_id) WHERE external_payment_id != ''`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency ON orders (user_id, idempotency_key) WHERE idempotency_key != ''`,
			`CREATE INDEX IF NOT EXISTS idx_orders_payment_status ON orders (payment_status, updated)`,
			`CREATE TABLE IF NOT EXISTS tickets (
				id             TEXT PRIMARY KEY NOT NULL,
				order_id       TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
				event_id       TEXT NOT NULL,
				ticket_type    TEXT NOT NULL,
				reservation_id TEXT NOT NULL,
				quantity       INTEGER NOT NULL CHECK (quantity > 0),
				unit_price     TEXT NOT NULL DEFAULT '0',
				payment_status TEXT NOT NULL DEFAULT 'pending',
				position       INTEGER NOT NULL DEFAULT 0,
				created        TEXT NOT NULL DEFAULT '',
				updated        TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tickets_order ON tickets (order_id, position)`,
		},
	},
	{
		name: "4_create_payments",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS payments (
				id                TEXT PRIMARY KEY NOT NULL,
				order_id          TEXT NOT NULL REFERENCES orders (id),
				amount            TEXT NOT NULL,
				currency          TEXT NOT NULL,
				payment_method    TEXT NOT NULL,
				status            TEXT NOT NULL,
				transaction_id    TEXT NOT NULL UNIQUE,
				external_order_id TEXT NOT NULL UNIQUE,
				payer_id          TEXT NOT NULL DEFAULT '',
				created           TEXT NOT NULL DEFAULT '',
				updated           TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id)`,
		},
	},
	{
		name: "5_create_discounts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS discounts (
				id                      TEXT PRIMARY KEY NOT NULL,
				code                    TEXT NOT NULL UNIQUE,
				organizer_id            TEXT NOT NULL,
				discount_type           TEXT NOT NULL,
				discount_value          TEXT NOT NULL,
				scope                   TEXT NOT NULL DEFAULT 'cart',
				usage_count             INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
				usage_limit             INTEGER NOT NULL DEFAULT 0 CHECK (usage_limit >= 0),
				start_date              TEXT NOT NULL DEFAULT '',
				end_date                TEXT NOT NULL DEFAULT '',
				minimum_purchase_amount TEXT NOT NULL DEFAULT '0',
				applicable_events       JSON NOT NULL DEFAULT '[]',
				applicable_ticket_types JSON NOT NULL DEFAULT '[]',
				created                 TEXT NOT NULL DEFAULT '',
				updated                 TEXT NOT NULL DEFAULT '',
				CHECK (usage_limit = 0 OR usage_count <= usage_limit)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_discounts_organizer ON discounts (organizer_id)`,
		},
	},
	{
		name: "6_create_refund_requests",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS refund_requests (
				id                TEXT PRIMARY KEY NOT NULL,
				order_id          TEXT NOT NULL UNIQUE REFERENCES orders (id),
				user_id           TEXT NOT NULL,
				amount            TEXT NOT NULL,
				reason            TEXT NOT NULL DEFAULT '',
				status            TEXT NOT NULL DEFAULT 'pending',
				reviewer_id       TEXT NOT NULL DEFAULT '',
				review_note       TEXT NOT NULL DEFAULT '',
				gateway_refund_id TEXT NOT NULL DEFAULT '',
				created           TEXT NOT NULL DEFAULT '',
				reviewed_at       TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_refund_requests_status ON refund_requests (status, created)`,
		},
	},
}

// Migrate applies the pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		file    TEXT PRIMARY KEY NOT NULL,
		applied INTEGER NOT NULL
	)`, nil); err != nil {
		return fmt.Errorf("store.Migrate: create _migrations: %w", err)
	}

	var applied []struct {
		File string `db:"file"`
	}
	if err := s.all(ctx, `SELECT file FROM _migrations`, nil, &applied); err != nil {
		return fmt.Errorf("store.Migrate: list applied: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.File] = true
	}

	for _, m := range migrations {
		if done[m.name] {
			continue
		}
		err := s.RunInTx(ctx, func(tx *Store) error {
			for _, stmt := range m.statements {
				if _, err := tx.exec(ctx, stmt, nil); err != nil {
					return err
				}
			}
			return tx.insert(ctx, "_migrations", dbx.Params{
				"file":    m.name,
				"applied": len(done) + 1,
			})
		})
		if err != nil {
			return fmt.Errorf("store.Migrate: %s: %w", m.name, err)
		}
		done[m.name] = true
	}
	return nil
}
