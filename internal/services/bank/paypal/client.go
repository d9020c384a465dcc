package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/utils"
)

const (
	GrantTypeDefaultStr = "client_credentials"

	// tokenSkew refreshes the token this long before it expires.
	tokenSkew = 60 * time.Second
)

// setAccessToken set access token to client.
func (p *paypal) setAccessToken(accessToken string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = accessToken
	p.expiry = expiry
}

// getAccessToken returns the cached token while it is still fresh.
func (p *paypal) getAccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken == "" || !p.now().Add(tokenSkew).Before(p.expiry) {
		return ""
	}
	return p.accessToken
}

func (p *paypal) invalidateToken(ctx context.Context) {
	p.setAccessToken("", time.Time{})
	if p.tokens != nil {
		if err := p.tokens.Delete(ctx); err != nil {
			p.logger.Warn("paypal: drop shared token", "error", err)
		}
	}
}

// token returns a valid access token, exchanging credentials when needed.
func (p *paypal) token(ctx context.Context) (string, error) {
	if tok := p.getAccessToken(); tok != "" {
		return tok, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if tok := p.getAccessToken(); tok != "" {
		return tok, nil
	}

	if p.tokens != nil {
		tok, ttl, err := p.tokens.Get(ctx)
		if err != nil {
			p.logger.Warn("paypal: read shared token", "error", err)
		} else if tok != "" && ttl > tokenSkew {
			p.setAccessToken(tok, p.now().Add(ttl))
			return tok, nil
		}
	}

	tok, expiresIn, err := p.connect(ctx)
	if err != nil {
		return "", err
	}
	p.setAccessToken(tok, p.now().Add(expiresIn))

	if p.tokens != nil {
		if err := p.tokens.Set(ctx, tok, expiresIn); err != nil {
			p.logger.Warn("paypal: share token", "error", err)
		}
	}
	return tok, nil
}

// connect makes http call to exchange client credentials for a token.
func (p *paypal) connect(ctx context.Context) (string, time.Duration, error) {
	query := url.Values{"grant_type": []string{GrantTypeDefaultStr}}
	body := strings.NewReader(query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", body)
	if err != nil {
		return "", 0, status.Internal(fmt.Errorf("connectPayPal: http.NewRequestWithContext: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.hc.Do(req)
	if err != nil {
		return "", 0, transportError("connectPayPal", err)
	}
	defer resp.Body.Close()

	rbody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", 0, classify("connectPayPal", resp.StatusCode, rbody)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(rbody, &reply); err != nil {
		return "", 0, status.ErrGatewayUnavailable.With("connectPayPal: decode token", err)
	}
	if reply.AccessToken == "" {
		return "", 0, status.ErrGatewayAuth.With("connectPayPal: empty access token", nil)
	}

	return reply.AccessToken, time.Duration(reply.ExpiresIn) * time.Second, nil
}

// do sends one API call through the circuit breaker. A 401 drops the cached
// token and retries once with a fresh one.
func (p *paypal) do(ctx context.Context, op, method, path, requestID string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return status.Internal(fmt.Errorf("%s: json.Marshal: %w", op, err))
		}
		payload = b
	}

	_, err := p.breaker.Execute(ctx, func() (any, error) {
		err := p.send(ctx, op, method, path, requestID, payload, out)
		if errors.Is(err, errUnauthorized) {
			p.invalidateToken(ctx)
			err = p.send(ctx, op, method, path, requestID, payload, out)
		}
		if errors.Is(err, errUnauthorized) {
			return nil, status.ErrGatewayAuth.With(op+": unauthorized", err)
		}
		return nil, err
	})
	switch {
	case errors.Is(err, utils.ErrCircuitOpen) || errors.Is(err, utils.ErrTooManyRequests):
		return status.ErrGatewayUnavailable.With(op+": circuit open", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if !status.IsGateway(err) {
			return transportError(op, err)
		}
	}
	return err
}

var errUnauthorized = errors.New("paypal: 401 unauthorized")

func (p *paypal) send(ctx context.Context, op, method, path, requestID string, payload []byte, out any) error {
	tok, err := p.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return status.Internal(fmt.Errorf("%s: http.NewRequestWithContext: %w", op, err))
	}
	req = p.setHeaders(req, tok, requestID)

	resp, err := p.hc.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	rbody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resp.StatusCode, rbody)
	}
	if out == nil || len(rbody) == 0 {
		return nil
	}
	if err := json.Unmarshal(rbody, out); err != nil {
		return status.ErrGatewayUnavailable.With(op+": decode response", err)
	}
	return nil
}

type createOrderReq struct {
	Intent             string         `json:"intent"`
	PurchaseUnits      []PurchaseUnit `json:"purchase_units"`
	ApplicationContext struct {
		ReturnURL          string `json:"return_url,omitempty"`
		CancelURL          string `json:"cancel_url,omitempty"`
		UserAction         string `json:"user_action"`
		ShippingPreference string `json:"shipping_preference"`
	} `json:"application_context"`
}

func (p *paypal) createOrder(ctx context.Context, f *OrderForm) (*Order, error) {
	amount := f.Amount
	q := createOrderReq{
		Intent: "CAPTURE",
		PurchaseUnits: []PurchaseUnit{{
			ReferenceID: f.ReferenceID,
			CustomID:    f.ReferenceID,
			Description: f.Description,
			Amount:      &amount,
		}},
	}
	q.ApplicationContext.ReturnURL = f.ReturnURL
	q.ApplicationContext.CancelURL = f.CancelURL
	q.ApplicationContext.UserAction = "PAY_NOW"
	q.ApplicationContext.ShippingPreference = "NO_SHIPPING"

	var reply Order
	if err := p.do(ctx, "createOrderPayPal", http.MethodPost, "/v2/checkout/orders", "create-"+f.ReferenceID, q, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *paypal) captureOrder(ctx context.Context, orderID string) (*Order, error) {
	var reply Order
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", url.PathEscape(orderID))
	err := p.do(ctx, "captureOrderPayPal", http.MethodPost, path, "capture-"+orderID, struct{}{}, &reply)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HasIssue("ORDER_ALREADY_CAPTURED") {
			p.logger.Info("paypal: order already captured, reading state", "order_id", orderID)
			return p.getOrder(ctx, orderID)
		}
		return nil, err
	}
	return &reply, nil
}

func (p *paypal) getOrder(ctx context.Context, orderID string) (*Order, error) {
	var reply Order
	path := "/v2/checkout/orders/" + url.PathEscape(orderID)
	if err := p.do(ctx, "getOrderPayPal", http.MethodGet, path, "", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *paypal) refundCapture(ctx context.Context, f *RefundForm) (*Refund, error) {
	q := struct {
		Amount      Money  `json:"amount"`
		NoteToPayer string `json:"note_to_payer,omitempty"`
		InvoiceID   string `json:"invoice_id,omitempty"`
	}{Amount: f.Amount, NoteToPayer: f.Note, InvoiceID: f.RequestID}

	var reply Refund
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", url.PathEscape(f.CaptureID))
	if err := p.do(ctx, "refundCapturePayPal", http.MethodPost, path, "refund-"+f.RequestID, q, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *paypal) verifyWebhookSignature(ctx context.Context, f *WebhookForm) (bool, error) {
	q := struct {
		AuthAlgo         string          `json:"auth_algo"`
		CertURL          string          `json:"cert_url"`
		TransmissionID   string          `json:"transmission_id"`
		TransmissionSig  string          `json:"transmission_sig"`
		TransmissionTime string          `json:"transmission_time"`
		WebhookID        string          `json:"webhook_id"`
		WebhookEvent     json.RawMessage `json:"webhook_event"`
	}{
		AuthAlgo:         f.AuthAlgo,
		CertURL:          f.CertURL,
		TransmissionID:   f.TransmissionID,
		TransmissionSig:  f.TransmissionSig,
		TransmissionTime: f.TransmissionTime,
		WebhookID:        p.webhookID,
		WebhookEvent:     f.Event,
	}

	var reply struct {
		VerificationStatus string `json:"verification_status"`
	}
	err := p.do(ctx, "verifyWebhookPayPal", http.MethodPost, "/v1/notifications/verify-webhook-signature", "", q, &reply)
	if err != nil {
		return false, err
	}
	return reply.VerificationStatus == "SUCCESS", nil
}
