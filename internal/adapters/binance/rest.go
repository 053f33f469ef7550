package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/schema"
)

type restClient struct {
	endpoint  string
	apiKey    string
	apiSecret string
	client    *http.Client
	clock     func() time.Time
}

func newRESTClient(endpoint, apiKey, apiSecret string, timeout time.Duration) *restClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		endpoint:  strings.TrimRight(endpoint, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
		clock:     time.Now,
	}
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *restClient) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", errs.New("binance", errs.CodeNetwork, errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("create listen key"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", venueError(resp, "create listen key")
	}
	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errs.New("binance", errs.CodeMalformed,
			errs.WithMessage("decode listen key"), errs.WithCause(err))
	}
	if payload.ListenKey == "" {
		return "", errs.New("binance", errs.CodeMalformed, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

func (c *restClient) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint+"/api/v3/userDataStream?"+params.Encode(), nil)
	if err != nil {
		return errs.New("binance", errs.CodeNetwork, errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("keepalive listen key"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return venueError(resp, "keepalive listen key")
	}
	return nil
}

func (c *restClient) submitOrder(ctx context.Context, intent schema.OrderIntent) error {
	params := url.Values{}
	params.Set("symbol", wireSymbol(intent.Symbol))
	params.Set("side", strings.ToUpper(string(intent.Side)))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", intent.Amount.String())
	params.Set("price", intent.Price.String())
	params.Set("newClientOrderId", intent.ClientID)
	return c.signedCall(ctx, http.MethodPost, "/api/v3/order", params,
		fmt.Sprintf("submit order %s", intent.ClientID))
}

func (c *restClient) cancelOrder(ctx context.Context, intent schema.CancelIntent) error {
	params := url.Values{}
	params.Set("symbol", wireSymbol(intent.Symbol))
	if intent.ExchangeID != "" {
		params.Set("orderId", intent.ExchangeID)
	} else {
		params.Set("origClientOrderId", intent.ClientID)
	}
	return c.signedCall(ctx, http.MethodDelete, "/api/v3/order", params,
		fmt.Sprintf("cancel order %s", intent.ClientID))
}

func (c *restClient) signedCall(ctx context.Context, method, path string, params url.Values, op string) error {
	params.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + signPayload(query, c.apiSecret)

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path+"?"+query, nil)
	if err != nil {
		return errs.New("binance", errs.CodeNetwork, errs.WithMessage(op), errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.New("binance", errs.CodeNetwork, errs.WithMessage(op), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return errs.New("binance", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("%s: status %d", op, resp.StatusCode)))
	}
	if resp.StatusCode != http.StatusOK {
		return venueError(resp, op)
	}
	return nil
}

// venueError converts a non-OK response into an exchange error carrying the
// venue's own code and message.
func venueError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != 0 {
		return errs.New("binance", errs.CodeExchange,
			errs.WithMessage(op),
			errs.WithRawCode(strconv.Itoa(payload.Code)),
			errs.WithRawMessage(payload.Msg))
	}
	return errs.New("binance", errs.CodeExchange,
		errs.WithMessage(fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))))
}
