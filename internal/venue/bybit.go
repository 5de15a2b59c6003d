package venue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gridpilot/internal/domain"
)

// Bybit implements Venue on top of the v5 spot REST API.
type Bybit struct {
	client *bybit.Client
}

// NewBybit wraps an API client.
func NewBybit(apiKey, apiSecret string) *Bybit {
	client := bybit.NewClient().WithAuth(apiKey, apiSecret)
	return &Bybit{client: client}
}

func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) error {
	side := bybit.SideBuy
	if req.Side == domain.SideSell {
		side = bybit.SideSell
	}

	price := req.Price.String()
	linkID := req.ClientOrderID
	_, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(req.Pair.Symbol()),
		Side:        side,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         req.Size.RoundFloor(8).String(),
		Price:       &price,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return classifyBybitErr(err, "place order")
	}
	return nil
}

func (b *Bybit) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	linkID := clientOrderID
	_, err := b.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(pair.Symbol()),
		OrderLinkID: &linkID,
	})
	if err != nil {
		if strings.Contains(err.Error(), "order not exists") {
			return errors.Wrapf(ErrOrderNotFound, "cancel %s", clientOrderID)
		}
		return classifyBybitErr(err, "cancel order")
	}
	return nil
}

func (b *Bybit) OpenOrders(ctx context.Context, pair domain.Pair) ([]OpenOrder, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	resp, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return nil, classifyBybitErr(err, "list open orders")
	}

	result := make([]OpenOrder, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "parse price of order %s", o.OrderLinkID)
		}
		size, err := decimal.NewFromString(o.Qty)
		if err != nil {
			return nil, errors.Wrapf(err, "parse quantity of order %s", o.OrderLinkID)
		}
		filled := decimal.Zero
		if o.CumExecQty != "" {
			filled, err = decimal.NewFromString(o.CumExecQty)
			if err != nil {
				return nil, errors.Wrapf(err, "parse executed quantity of order %s", o.OrderLinkID)
			}
		}

		side := domain.SideBuy
		if o.Side == bybit.SideSell {
			side = domain.SideSell
		}
		result = append(result, OpenOrder{
			ClientOrderID: o.OrderLinkID,
			Pair:          pair,
			Side:          side,
			Price:         price,
			Size:          size,
			FilledSize:    filled,
		})
	}
	return result, nil
}

func (b *Bybit) OrderState(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	linkID := clientOrderID

	// Open orders first, then history for terminal states.
	resp, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return OrderState{}, classifyBybitErr(err, "query open order")
	}
	if len(resp.Result.List) > 0 {
		return bybitOrderState(resp.Result.List[0])
	}

	hist, err := b.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return OrderState{}, classifyBybitErr(err, "query order history")
	}
	if len(hist.Result.List) == 0 {
		return OrderState{}, errors.Wrapf(ErrOrderNotFound, "order %s", clientOrderID)
	}
	return bybitOrderState(hist.Result.List[0])
}

func bybitOrderState(o bybit.V5GetOrder) (OrderState, error) {
	filled := decimal.Zero
	if o.CumExecQty != "" {
		var err error
		filled, err = decimal.NewFromString(o.CumExecQty)
		if err != nil {
			return OrderState{}, errors.Wrap(err, "parse executed quantity")
		}
	}
	fee := decimal.Zero
	if o.CumExecFee != "" {
		var err error
		fee, err = decimal.NewFromString(o.CumExecFee)
		if err != nil {
			return OrderState{}, errors.Wrap(err, "parse executed fee")
		}
	}

	return OrderState{
		Status:     mapBybitStatus(o.OrderStatus, filled),
		FilledSize: filled,
		Fee:        fee,
	}, nil
}

func (b *Bybit) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	resp, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return nil, classifyBybitErr(err, "get wallet balance")
	}

	balances := make(map[string]decimal.Decimal)
	for _, account := range resp.Result.List {
		for _, coin := range account.Coin {
			free, err := decimal.NewFromString(coin.WalletBalance)
			if err != nil {
				return nil, errors.Wrapf(err, "parse balance of %s", coin.Coin)
			}
			if free.GreaterThan(decimal.Zero) {
				balances[string(coin.Coin)] = free
			}
		}
	}
	return balances, nil
}

func (b *Bybit) Candles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	resp, err := b.client.V5().Market().GetKline(bybit.V5GetKlineParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   bybit.SymbolV5(pair.Symbol()),
		Interval: bybit.Interval(interval),
		Limit:    &limit,
	})
	if err != nil {
		return nil, classifyBybitErr(err, "fetch klines")
	}

	list := resp.Result.List
	candles := make([]domain.Candle, 0, len(list))
	// bybit returns newest first
	for i := len(list) - 1; i >= 0; i-- {
		k := list[i]
		open, err := decimal.NewFromString(k.Open)
		if err != nil {
			return nil, errors.Wrapf(err, "parse open price at index %d", i)
		}
		high, err := decimal.NewFromString(k.High)
		if err != nil {
			return nil, errors.Wrapf(err, "parse high price at index %d", i)
		}
		low, err := decimal.NewFromString(k.Low)
		if err != nil {
			return nil, errors.Wrapf(err, "parse low price at index %d", i)
		}
		closePrice, err := decimal.NewFromString(k.Close)
		if err != nil {
			return nil, errors.Wrapf(err, "parse close price at index %d", i)
		}
		volume, err := decimal.NewFromString(k.Volume)
		if err != nil {
			return nil, errors.Wrapf(err, "parse volume at index %d", i)
		}

		openMillis, err := strconv.ParseInt(k.StartTime, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse start time at index %d", i)
		}

		candles = append(candles, domain.Candle{
			OpenTime: time.Unix(0, openMillis*int64(time.Millisecond)),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}
	return candles, nil
}

func (b *Bybit) Ticker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	resp, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, classifyBybitErr(err, "get tickers")
	}
	if len(resp.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Errorf("no price data received for %s", pair.String())
	}
	return decimal.NewFromString(resp.Result.Spot.List[0].LastPrice)
}

// classifyBybitErr maps API errors onto the venue error taxonomy. The SDK
// surfaces ret codes inside the message, so match on the well-known ones.
func classifyBybitErr(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, op)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return errors.Wrap(ErrInsufficientFunds, op)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "10006"):
		return errors.Wrap(ErrRateLimited, op)
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "10001"):
		return errors.Wrapf(ErrInvalidParams, "%s: %s", op, err.Error())
	}
	return errors.Wrap(err, op)
}

func mapBybitStatus(status bybit.OrderStatus, filled decimal.Decimal) domain.OrderStatus {
	switch status {
	case bybit.OrderStatusNew, bybit.OrderStatusCreated:
		if filled.GreaterThan(decimal.Zero) {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusOpen
	case bybit.OrderStatusPartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case bybit.OrderStatusFilled:
		return domain.OrderStatusFilled
	case bybit.OrderStatusCancelled, bybit.OrderStatusDeactivated:
		return domain.OrderStatusCancelled
	case bybit.OrderStatusRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}
