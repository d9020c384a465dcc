package store

import (
	"context"
	"time"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type discountRow struct {
	ID                    string                  `db:"id"`
	Code                  string                  `db:"code"`
	OrganizerID           string                  `db:"organizer_id"`
	DiscountType          string                  `db:"discount_type"`
	DiscountValue         decimal.Decimal         `db:"discount_value"`
	Scope                 string                  `db:"scope"`
	UsageCount            int                     `db:"usage_count"`
	UsageLimit            int                     `db:"usage_limit"`
	StartDate             types.DateTime          `db:"start_date"`
	EndDate               types.DateTime          `db:"end_date"`
	MinimumPurchaseAmount decimal.Decimal         `db:"minimum_purchase_amount"`
	ApplicableEvents      types.JSONArray[string] `db:"applicable_events"`
	ApplicableTicketTypes types.JSONArray[string] `db:"applicable_ticket_types"`
	Created               types.DateTime          `db:"created"`
	Updated               types.DateTime          `db:"updated"`
}

func (r discountRow) model() *models.Discount {
	return &models.Discount{
		ID:                    r.ID,
		Code:                  r.Code,
		OrganizerID:           r.OrganizerID,
		Type:                  models.DiscountType(r.DiscountType),
		Value:                 r.DiscountValue,
		Scope:                 models.DiscountScope(r.Scope),
		UsageCount:            r.UsageCount,
		UsageLimit:            r.UsageLimit,
		StartDate:             r.StartDate.Time(),
		EndDate:               r.EndDate.Time(),
		MinimumPurchaseAmount: r.MinimumPurchaseAmount,
		ApplicableEvents:      []string(r.ApplicableEvents),
		ApplicableTicketTypes: []string(r.ApplicableTicketTypes),
		CreatedAt:             r.Created.Time(),
		UpdatedAt:             r.Updated.Time(),
	}
}

func discountParams(d *models.Discount) dbx.Params {
	events := d.ApplicableEvents
	if events == nil {
		events = []string{}
	}
	ticketTypes := d.ApplicableTicketTypes
	if ticketTypes == nil {
		ticketTypes = []string{}
	}
	return dbx.Params{
		"code":                    d.Code,
		"organizer_id":            d.OrganizerID,
		"discount_type":           string(d.Type),
		"discount_value":          d.Value,
		"scope":                   string(d.Scope),
		"usage_limit":             d.UsageLimit,
		"start_date":              dt(d.StartDate),
		"end_date":                dt(d.EndDate),
		"minimum_purchase_amount": d.MinimumPurchaseAmount,
		"applicable_events":       types.JSONArray[string](events),
		"applicable_ticket_types": types.JSONArray[string](ticketTypes),
		"updated":                 dt(d.UpdatedAt),
	}
}

func (s *Store) InsertDiscount(ctx context.Context, d *models.Discount) error {
	params := discountParams(d)
	params["id"] = d.ID
	params["usage_count"] = d.UsageCount
	params["created"] = dt(d.CreatedAt)
	return s.insert(ctx, "discounts", params)
}

// UpdateDiscount rewrites the editable fields. The usage counter is never
// touched here, and a new limit may not drop below the current usage.
func (s *Store) UpdateDiscount(ctx context.Context, d *models.Discount) error {
	params := discountParams(d)
	params["id"] = d.ID
	return s.execOne(ctx,
		`UPDATE discounts SET
		   code = {:code}, discount_type = {:discount_type}, discount_value = {:discount_value},
		   scope = {:scope}, usage_limit = {:usage_limit}, start_date = {:start_date},
		   end_date = {:end_date}, minimum_purchase_amount = {:minimum_purchase_amount},
		   applicable_events = {:applicable_events}, applicable_ticket_types = {:applicable_ticket_types},
		   updated = {:updated}
		 WHERE id = {:id} AND organizer_id = {:organizer_id}
		   AND ({:usage_limit} = 0 OR usage_count <= {:usage_limit})`,
		params)
}

func (s *Store) DeleteDiscount(ctx context.Context, id, organizerID string) error {
	return s.execOne(ctx,
		`DELETE FROM discounts WHERE id = {:id} AND organizer_id = {:org}`,
		dbx.Params{"id": id, "org": organizerID})
}

func (s *Store) GetDiscount(ctx context.Context, id string) (*models.Discount, error) {
	var row discountRow
	if err := s.one(ctx, `SELECT * FROM discounts WHERE id = {:id}`, dbx.Params{"id": id}, &row); err != nil {
		return nil, err
	}
	return row.model(), nil
}

// GetDiscountByCode expects an already normalized code.
func (s *Store) GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error) {
	var row discountRow
	if err := s.one(ctx, `SELECT * FROM discounts WHERE code = {:code}`, dbx.Params{"code": code}, &row); err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) ListDiscountsByOrganizer(ctx context.Context, organizerID string) ([]*models.Discount, error) {
	var rows []discountRow
	err := s.all(ctx,
		`SELECT * FROM discounts WHERE organizer_id = {:org} ORDER BY created DESC`,
		dbx.Params{"org": organizerID}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Discount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// IncrementDiscountUsage counts one use unless the limit is reached.
func (s *Store) IncrementDiscountUsage(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE discounts SET usage_count = usage_count + 1, updated = {:at}
		 WHERE id = {:id} AND (usage_limit = 0 OR usage_count < usage_limit)`,
		dbx.Params{"id": id, "at": dt(at)})
}
