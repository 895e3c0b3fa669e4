package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(resp.Body)
}

type orderStatusWire struct {
	State     string          `json:"state"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

func parseOrderStatus(orderID string, body []byte) (core.OrderStatus, error) {
	var w orderStatusWire
	if err := json.Unmarshal(body, &w); err != nil {
		return core.OrderStatus{}, fmt.Errorf("decode order status: %w", err)
	}
	return core.OrderStatus{
		OrderID:   orderID,
		State:     core.OrderState(w.State),
		FilledQty: w.FilledQty,
		AvgPrice:  w.AvgPrice,
	}, nil
}

type openOrdersWire struct {
	Orders []struct {
		OrderID string `json:"order_id"`
	} `json:"orders"`
}

func parseOpenOrderIDs(body []byte) ([]string, error) {
	var w openOrdersWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	ids := make([]string, 0, len(w.Orders))
	for _, o := range w.Orders {
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

type equityWire struct {
	Equity decimal.Decimal `json:"equity"`
}

func parseEquity(body []byte) (decimal.Decimal, error) {
	var w equityWire
	if err := json.Unmarshal(body, &w); err != nil {
		return decimal.Zero, fmt.Errorf("decode equity: %w", err)
	}
	return w.Equity, nil
}

type tickerWire struct {
	Price decimal.Decimal `json:"price"`
}

func parseTicker(body []byte) (decimal.Decimal, error) {
	var w tickerWire
	if err := json.Unmarshal(body, &w); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	return w.Price, nil
}
