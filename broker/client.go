package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradewind/logger"
	"tradewind/marketdata"
)

const (
	// 生产环境 API 地址
	LiveRestURL = "https://api.tradier.com"
	// 沙箱环境 API 地址
	SandboxRestURL = "https://sandbox.tradier.com"
	// 行情流 WebSocket 地址（沙箱不提供流式行情）
	LiveStreamURL = "wss://ws.tradier.com/v1/markets/events"
)

// Balances 账户资金
type Balances struct {
	BuyingPower float64 `json:"buying_power"`
	TotalEquity float64 `json:"total_equity"`
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol   string  // 标的
	Side     string  // buy, sell
	Quantity int64   // 股数
	Type     string  // market, limit
	Duration string  // day, gtc
	Price    float64 // 限价单价格
}

// StreamSession 行情流会话
type StreamSession struct {
	SessionID string
	URL       string
}

// Client 券商 REST API 客户端
type Client struct {
	accountID  string
	apiToken   string
	baseURL    string
	streamURL  string
	sandbox    bool
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOptions 客户端配置
type ClientOptions struct {
	AccountID string
	APIToken  string
	Sandbox   bool
	BaseURL   string  // 留空时根据 Sandbox 自动选择
	StreamURL string  // 留空时使用默认流地址
	Timeout   time.Duration
	RateLimit float64 // 每秒请求数，0 表示不限流
	RateBurst int
}

// NewClient 创建券商客户端
func NewClient(opts ClientOptions) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		if opts.Sandbox {
			baseURL = SandboxRestURL
		} else {
			baseURL = LiveRestURL
		}
	}
	streamURL := opts.StreamURL
	if streamURL == "" {
		streamURL = LiveStreamURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		accountID: opts.AccountID,
		apiToken:  opts.APIToken,
		baseURL:   baseURL,
		streamURL: streamURL,
		sandbox:   opts.Sandbox,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}
}

// request 发送 HTTP 请求
func (c *Client) request(ctx context.Context, method, path string, query url.Values, form url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待限流失败: %w", err)
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if len(form) > 0 {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("HTTP 错误 %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// GetQuotes 批量获取最新报价
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]marketdata.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("symbols", strings.Join(symbols, ","))

	body, err := c.request(ctx, http.MethodGet, "/v1/markets/quotes", query, nil)
	if err != nil {
		return nil, fmt.Errorf("获取报价失败: %w", err)
	}

	var resp struct {
		Quotes struct {
			Quote flexQuoteList `json:"quote"`
		} `json:"quotes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析报价响应失败: %w", err)
	}

	quotes := make([]marketdata.Quote, 0, len(resp.Quotes.Quote))
	for _, q := range resp.Quotes.Quote {
		quotes = append(quotes, marketdata.Quote{
			Symbol:    q.Symbol,
			Last:      q.Last,
			Bid:       q.Bid,
			Ask:       q.Ask,
			BidSize:   q.BidSize,
			AskSize:   q.AskSize,
			Volume:    q.Volume,
			Timestamp: time.UnixMilli(q.TradeDate),
		})
	}
	return quotes, nil
}

// GetTimesales 获取分时成交序列
func (c *Client) GetTimesales(ctx context.Context, symbol string, tf marketdata.Timeframe, start, end time.Time) ([]marketdata.Tick, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", string(tf))
	query.Set("start", start.Format("2006-01-02 15:04"))
	query.Set("end", end.Format("2006-01-02 15:04"))

	body, err := c.request(ctx, http.MethodGet, "/v1/markets/timesales", query, nil)
	if err != nil {
		return nil, fmt.Errorf("获取分时成交失败: %w", err)
	}

	var resp struct {
		Series struct {
			Data []struct {
				Time   string  `json:"time"`
				Price  float64 `json:"price"`
				Volume int64   `json:"volume"`
			} `json:"data"`
		} `json:"series"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析分时成交响应失败: %w", err)
	}

	ticks := make([]marketdata.Tick, 0, len(resp.Series.Data))
	for _, d := range resp.Series.Data {
		ts, err := time.Parse("2006-01-02T15:04:05", d.Time)
		if err != nil {
			logger.Warn("⚠️ 分时成交时间格式异常，已跳过: %s", d.Time)
			continue
		}
		ticks = append(ticks, marketdata.Tick{
			Type:   marketdata.TickTypeTrade,
			Symbol: symbol,
			Price:  d.Price,
			Size:   float64(d.Volume),
			Time:   ts,
		})
	}
	return ticks, nil
}

// GetBalances 获取账户资金
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	path := fmt.Sprintf("/v1/accounts/%s/balances", c.accountID)
	body, err := c.request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("获取账户资金失败: %w", err)
	}

	var resp struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			Margin      *struct {
				StockBuyingPower float64 `json:"stock_buying_power"`
			} `json:"margin"`
			Cash *struct {
				CashAvailable float64 `json:"cash_available"`
			} `json:"cash"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析账户资金响应失败: %w", err)
	}

	balances := &Balances{TotalEquity: resp.Balances.TotalEquity}
	switch {
	case resp.Balances.Margin != nil:
		balances.BuyingPower = resp.Balances.Margin.StockBuyingPower
	case resp.Balances.Cash != nil:
		balances.BuyingPower = resp.Balances.Cash.CashAvailable
	}
	return balances, nil
}

// PlaceOrder 提交订单，返回订单号
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", order.Symbol)
	form.Set("side", order.Side)
	form.Set("quantity", strconv.FormatInt(order.Quantity, 10))
	form.Set("type", order.Type)
	form.Set("duration", order.Duration)
	if order.Type == "limit" {
		form.Set("price", strconv.FormatFloat(order.Price, 'f', 2, 64))
	}

	path := fmt.Sprintf("/v1/accounts/%s/orders", c.accountID)
	body, err := c.request(ctx, http.MethodPost, path, nil, form)
	if err != nil {
		return "", fmt.Errorf("提交订单失败: %w", err)
	}

	var resp struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("解析订单响应失败: %w", err)
	}
	if resp.Order.ID.String() == "" {
		return "", fmt.Errorf("订单响应缺少订单号: %s", string(body))
	}

	logger.Info("✅ 订单已提交: symbol=%s side=%s qty=%d id=%s", order.Symbol, order.Side, order.Quantity, resp.Order.ID)
	return resp.Order.ID.String(), nil
}

// CreateStreamSession 创建行情流会话
// 会话在服务端约 30 分钟过期，需要调用方定期重建
func (c *Client) CreateStreamSession(ctx context.Context) (*StreamSession, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/markets/events/session", nil, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("创建流会话失败: %w", err)
	}

	var resp struct {
		Stream struct {
			SessionID string `json:"sessionid"`
			URL       string `json:"url"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析流会话响应失败: %w", err)
	}
	if resp.Stream.SessionID == "" {
		return nil, fmt.Errorf("流会话响应缺少会话 ID: %s", string(body))
	}

	session := &StreamSession{
		SessionID: resp.Stream.SessionID,
		URL:       resp.Stream.URL,
	}
	if session.URL == "" {
		session.URL = c.streamURL
	}
	return session, nil
}

// IsSandbox 是否沙箱环境
func (c *Client) IsSandbox() bool {
	return c.sandbox
}

// flexQuote 报价响应条目
type flexQuote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   int64   `json:"bidsize"`
	AskSize   int64   `json:"asksize"`
	Volume    int64   `json:"volume"`
	TradeDate int64   `json:"trade_date"` // 毫秒时间戳
}

// flexQuoteList 兼容单个对象或数组两种形式的 quote 字段
type flexQuoteList []flexQuote

func (l *flexQuoteList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, (*[]flexQuote)(l))
	}
	var single flexQuote
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*l = flexQuoteList{single}
	return nil
}
