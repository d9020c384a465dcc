package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ticket-marketplace/internal/services/bank/paypal"
	"ticket-marketplace/internal/status"

	"github.com/shopspring/decimal"
)

var (
	_ Gateway        = (*PayPalAdapter)(nil)
	_ WebhookHandler = (*PayPalAdapter)(nil)
)

// PayPalAdapter wraps the PayPal client to conform to Gateway
type PayPalAdapter struct {
	client paypal.PayPal
}

func NewPayPalAdapter(client paypal.PayPal) *PayPalAdapter {
	return &PayPalAdapter{client: client}
}

func (a *PayPalAdapter) Provider() Provider {
	return ProviderPayPal
}

func (a *PayPalAdapter) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentSession, error) {
	order, err := a.client.CreateOrder(ctx, &paypal.OrderForm{
		ReferenceID: req.OrderID,
		Amount:      money(req.Amount, req.Currency),
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	session := &PaymentSession{ExternalID: order.ID, Status: order.Status}
	for _, l := range order.Links {
		session.ApprovalLinks = append(session.ApprovalLinks, Link{Href: l.Href, Rel: l.Rel, Method: l.Method})
	}
	return session, nil
}

func (a *PayPalAdapter) CapturePayment(ctx context.Context, externalID string) (*CaptureResult, error) {
	order, err := a.client.CaptureOrder(ctx, externalID)
	if err != nil {
		var apiErr *paypal.APIError
		if errors.As(err, &apiErr) && apiErr.HasIssue("ORDER_NOT_APPROVED") {
			return &CaptureResult{ExternalID: externalID, Status: CaptureNotApproved}, nil
		}
		return nil, err
	}
	return captureResult(order)
}

func (a *PayPalAdapter) GetPayment(ctx context.Context, externalID string) (*CaptureResult, error) {
	order, err := a.client.GetOrder(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return captureResult(order)
}

func (a *PayPalAdapter) RefundCapture(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	refund, err := a.client.RefundCapture(ctx, &paypal.RefundForm{
		RequestID: req.RefundID,
		CaptureID: req.TransactionID,
		Amount:    money(req.Amount, req.Currency),
		Note:      req.Note,
	})
	if err != nil {
		return nil, err
	}
	if refund.Status == "FAILED" || refund.Status == "CANCELLED" {
		return nil, status.ErrGatewayValidation.With(fmt.Sprintf("refund %s", refund.Status), nil)
	}
	return &RefundResult{ProviderRefundID: refund.ID, Status: refund.Status}, nil
}

func (a *PayPalAdapter) VerifyWebhook(ctx context.Context, headers map[string]string, body []byte) error {
	return a.client.VerifyWebhookSignature(ctx, &paypal.WebhookForm{
		AuthAlgo:         headers["Paypal-Auth-Algo"],
		CertURL:          headers["Paypal-Cert-Url"],
		TransmissionID:   headers["Paypal-Transmission-Id"],
		TransmissionSig:  headers["Paypal-Transmission-Sig"],
		TransmissionTime: headers["Paypal-Transmission-Time"],
		Event:            body,
	})
}

// ParseWebhook maps PayPal event types onto settlement actions.
func (a *PayPalAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, status.Validation("webhook body is not valid JSON")
	}

	out := &WebhookEvent{ID: ev.ID, Type: ev.EventType, Action: WebhookIgnored}
	switch ev.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Action = WebhookApproved
		out.ExternalID = ev.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.PENDING", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Action = WebhookCaptureChanged
		out.ExternalID = ev.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	if out.Action != WebhookIgnored && out.ExternalID == "" {
		return nil, status.Validation("webhook does not reference an order")
	}
	return out, nil
}

func money(amount decimal.Decimal, currency string) paypal.Money {
	return paypal.Money{CurrencyCode: currency, Value: amount.StringFixed(2)}
}

// captureResult maps PayPal order and capture states onto ours.
func captureResult(order *paypal.Order) (*CaptureResult, error) {
	res := &CaptureResult{ExternalID: order.ID, PayerID: order.PayerID()}

	capture := order.LatestCapture()
	if capture == nil {
		switch order.Status {
		case "VOIDED":
			res.Status = CaptureFailed
		case "APPROVED":
			res.Status = CaptureApproved
		default:
			res.Status = CaptureNotApproved
		}
		return res, nil
	}

	res.TransactionID = capture.ID
	res.Currency = capture.Amount.CurrencyCode
	if capture.Amount.Value != "" {
		amount, err := decimal.NewFromString(capture.Amount.Value)
		if err != nil {
			return nil, status.ErrGatewayUnavailable.With("unreadable capture amount", err)
		}
		res.Amount = amount
	}

	switch capture.Status {
	case "COMPLETED", "PARTIALLY_REFUNDED", "REFUNDED":
		res.Status = CaptureCompleted
	case "PENDING":
		res.Status = CapturePending
	default:
		res.Status = CaptureFailed
	}
	return res, nil
}
