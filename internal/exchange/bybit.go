package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"orderqueue/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitTestnetBaseURL = "https://api-testnet.bybit.com"
	bybitCategory       = "spot"
)

// Коды ответов Bybit v5, влияющие на политику повторов
const (
	bybitCodeDuplicateLinkID = 110072
)

// BybitConfig - параметры клиента Bybit
type BybitConfig struct {
	BaseURL    string
	Testnet    bool
	RecvWindow time.Duration
}

// Bybit реализует Exchange для спотового рынка Bybit (REST v5)
type Bybit struct {
	baseURL    string
	recvWindow string
	httpClient *http.Client
	log        *utils.Logger
}

// NewBybit создает клиент Bybit.
// Использует общий HTTP клиент биржи.
func NewBybit(cfg BybitConfig, log *utils.Logger) *Bybit {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bybitBaseURL
		if cfg.Testnet {
			baseURL = bybitTestnetBaseURL
		}
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = 5 * time.Second
	}

	return &Bybit{
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: strconv.FormatInt(recv.Milliseconds(), 10),
		httpClient: SharedHTTPClient(),
		log:        utils.OrGlobal(log).WithComponent("bybit"),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(cred Credential, timestamp, payload string) string {
	message := timestamp + cred.APIKey + b.recvWindow + payload
	h := hmac.New(sha256.New, []byte(cred.Secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API. cred == nil - публичный запрос.
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, cred *Credential) ([]byte, error) {
	var reqBody, reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = b.baseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = b.baseURL + endpoint
		if len(params) > 0 {
			data, err := json.Marshal(params)
			if err != nil {
				return nil, err
			}
			reqBody = string(data)
		}
	}

	var body io.Reader
	if method != http.MethodGet {
		body = strings.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if cred != nil {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", cred.APIKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(*cred, timestamp, reqBody))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if kind, failed := httpStatusKind(resp.StatusCode); failed {
		return nil, &ExchangeError{
			Exchange: "bybit",
			Kind:     kind,
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  http.StatusText(resp.StatusCode),
		}
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(data, &baseResp); err != nil {
		return nil, &ExchangeError{Exchange: "bybit", Kind: KindUnknown, Message: "malformed response", Original: err}
	}

	if baseResp.RetCode != 0 {
		return nil, &ExchangeError{
			Exchange: "bybit",
			Kind:     bybitErrorKind(baseResp.RetCode),
			Code:     strconv.Itoa(baseResp.RetCode),
			Message:  baseResp.RetMsg,
		}
	}

	return data, nil
}

// httpStatusKind классифицирует ответ по HTTP статусу до разбора тела
func httpStatusKind(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status >= 500:
		return KindNetwork, true
	case status >= 400:
		return KindUnknown, true
	}
	return "", false
}

// bybitErrorKind отображает retCode Bybit v5 на класс ошибки
func bybitErrorKind(code int) ErrorKind {
	switch code {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		// неверный ключ, подпись, нет прав, IP не в белом списке, ключ истёк
		return KindAuth
	case 10006, 10018, 170005:
		return KindRateLimit
	case 110004, 110007, 110012, 170131, 170033:
		return KindInsufficientFunds
	case 10000, 10002, 10016:
		// таймаут сервера, рассинхронизация времени, внутренняя ошибка
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Submit размещает ордер с orderLinkId = ClientOrderID.
// Если биржа уже видела этот orderLinkId, возвращается исполнение исходного ордера.
func (b *Bybit) Submit(ctx context.Context, req SubmitRequest, cred Credential) (*Fill, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}

	params := map[string]string{
		"category":    bybitCategory,
		"symbol":      req.Pair,
		"side":        side,
		"qty":         req.Volume.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == TypeLimit {
		params["orderType"] = "Limit"
		params["price"] = req.Price.Decimal.String()
		params["timeInForce"] = "GTC"
	} else {
		params["orderType"] = "Market"
		params["timeInForce"] = "IOC"
		if req.Side == SideBuy {
			// спот market buy по умолчанию считает qty в quote валюте
			params["marketUnit"] = "baseCoin"
		}
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, &cred)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && exErr.Code == strconv.Itoa(bybitCodeDuplicateLinkID) {
			b.log.Info("duplicate orderLinkId, fetching original order",
				utils.ClientOrderID(req.ClientOrderID), utils.Credential(cred.ID))
			return b.getOrder(ctx, req, cred, "")
		}
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ExchangeError{Exchange: "bybit", Kind: KindUnknown, Message: "malformed order response", Original: err}
	}

	fill, err := b.getOrder(ctx, req, cred, resp.Result.OrderID)
	if err != nil {
		// ордер принят; детали исполнения не критичны для завершения
		b.log.Warn("order accepted but execution details unavailable",
			utils.ClientOrderID(req.ClientOrderID), utils.Err(err))
		return &Fill{ExchangeOrderID: resp.Result.OrderID, ExecutedVolume: req.Volume, ExecutedPrice: req.Price.Decimal}, nil
	}
	return fill, nil
}

// getOrder получает исполнение по orderId либо по orderLinkId
func (b *Bybit) getOrder(ctx context.Context, req SubmitRequest, cred Credential, orderID string) (*Fill, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   req.Pair,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = req.ClientOrderID
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, &cred)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: order %s not found", req.ClientOrderID)
	}

	o := resp.Result.List[0]
	qty, _ := decimal.NewFromString(o.CumExecQty)
	price, _ := decimal.NewFromString(o.AvgPrice)

	return &Fill{ExchangeOrderID: o.OrderID, ExecutedPrice: price, ExecutedVolume: qty}, nil
}

// GetBalance возвращает баланс монеты на едином аккаунте
func (b *Bybit) GetBalance(ctx context.Context, cred Credential, coin string) (decimal.Decimal, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        coin,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, &cred)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}

	for _, acc := range resp.Result.List {
		for _, c := range acc.Coin {
			if c.Coin == coin {
				return decimal.NewFromString(c.WalletBalance)
			}
		}
	}
	return decimal.Zero, nil
}

// GetTicker получает текущую цену пары
func (b *Bybit) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   pair,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("ticker not found for %s", pair)
	}

	t := resp.Result.List[0]
	bid, _ := decimal.NewFromString(t.Bid1Price)
	ask, _ := decimal.NewFromString(t.Ask1Price)
	last, _ := decimal.NewFromString(t.LastPrice)

	return &Ticker{Pair: t.Symbol, Bid: bid, Ask: ask, Last: last, Timestamp: time.Now()}, nil
}
