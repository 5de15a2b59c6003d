package venue

import (
	"context"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gridpilot/internal/domain"
)

// Binance error codes that matter for the order lifecycle.
const (
	binanceCodeUnknownOrder      = -2011
	binanceCodeOrderNotFound     = -2013
	binanceCodeInsufficientFunds = -2010
	binanceCodeTooManyRequests   = -1003
)

// Binance implements Venue on top of the spot REST API.
type Binance struct {
	client *binance.Client
}

// NewBinance wraps an API client.
func NewBinance(apiKey, apiSecret string) *Binance {
	return &Binance{client: binance.NewClient(apiKey, apiSecret)}
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) error {
	side := binance.SideTypeBuy
	if req.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	_, err := b.client.NewCreateOrderService().
		Symbol(req.Pair.Symbol()).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(req.Price.String()).
		Quantity(req.Size.RoundFloor(8).String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return classifyBinanceErr(err, "place order")
	}
	return nil
}

func (b *Binance) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok {
			if apiErr.Code == binanceCodeUnknownOrder || apiErr.Code == binanceCodeOrderNotFound {
				return errors.Wrapf(ErrOrderNotFound, "cancel %s", clientOrderID)
			}
		}
		return classifyBinanceErr(err, "cancel order")
	}
	return nil
}

func (b *Binance) OpenOrders(ctx context.Context, pair domain.Pair) ([]OpenOrder, error) {
	raw, err := b.client.NewListOpenOrdersService().
		Symbol(pair.Symbol()).
		Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err, "list open orders")
	}

	result := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "parse price of order %s", o.ClientOrderID)
		}
		size, err := decimal.NewFromString(o.OrigQuantity)
		if err != nil {
			return nil, errors.Wrapf(err, "parse quantity of order %s", o.ClientOrderID)
		}
		filled, err := decimal.NewFromString(o.ExecutedQuantity)
		if err != nil {
			return nil, errors.Wrapf(err, "parse executed quantity of order %s", o.ClientOrderID)
		}

		side := domain.SideBuy
		if o.Side == binance.SideTypeSell {
			side = domain.SideSell
		}
		result = append(result, OpenOrder{
			ClientOrderID: o.ClientOrderID,
			Pair:          pair,
			Side:          side,
			Price:         price,
			Size:          size,
			FilledSize:    filled,
		})
	}
	return result, nil
}

func (b *Binance) OrderState(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == binanceCodeOrderNotFound {
			return OrderState{}, errors.Wrapf(ErrOrderNotFound, "order %s", clientOrderID)
		}
		return OrderState{}, classifyBinanceErr(err, "query order")
	}

	filled, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return OrderState{}, errors.Wrap(err, "parse executed quantity")
	}

	return OrderState{
		Status:     mapBinanceStatus(order.Status, filled),
		FilledSize: filled,
	}, nil
}

func (b *Binance) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err, "get account")
	}

	balances := make(map[string]decimal.Decimal, len(account.Balances))
	for _, bal := range account.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "parse balance of %s", bal.Asset)
		}
		if free.GreaterThan(decimal.Zero) {
			balances[bal.Asset] = free
		}
	}
	return balances, nil
}

func (b *Binance) Candles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(pair.Symbol()).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err, "fetch klines")
	}

	candles := make([]domain.Candle, len(klines))
	for i, k := range klines {
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

		candles[i] = domain.Candle{
			OpenTime: time.Unix(0, k.OpenTime*int64(time.Millisecond)),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		}
	}
	return candles, nil
}

func (b *Binance) Ticker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinanceErr(err, "get price")
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Errorf("no price data received for %s", pair.String())
	}
	return decimal.NewFromString(prices[0].Price)
}

// classifyBinanceErr maps API errors onto the venue error taxonomy so the
// order manager can decide retry vs reject without knowing the platform.
func classifyBinanceErr(err error, op string) error {
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case binanceCodeInsufficientFunds:
			return errors.Wrap(ErrInsufficientFunds, op)
		case binanceCodeTooManyRequests:
			return errors.Wrap(ErrRateLimited, op)
		}
		if apiErr.Code <= -1100 && apiErr.Code > -1200 {
			// 11xx range is request validation
			return errors.Wrapf(ErrInvalidParams, "%s: %s", op, apiErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, op)
	}
	if strings.Contains(err.Error(), "too many requests") {
		return errors.Wrap(ErrRateLimited, op)
	}
	return errors.Wrap(err, op)
}

func mapBinanceStatus(status binance.OrderStatusType, filled decimal.Decimal) domain.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		if filled.GreaterThan(decimal.Zero) {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusOpen
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}
