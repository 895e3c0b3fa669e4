package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

type stubDoer struct {
	mu        sync.Mutex
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	status int
	body   string
	err    error
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.responses[s.calls]
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(bytes.NewBufferString(r.body))}, nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (r *recordingRecorder) RecordAPICall(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, success)
}

func testClient(t *testing.T, doer httpDoer, rec core.APICallRecorder) *Client {
	t.Helper()
	c := New(config.ExchangeConfig{BaseURL: "https://venue.example", APIKey: "k", SecretKey: "s"},
		config.ConcurrencyConfig{ExchangeRateLimit: 1000, ExchangeBurst: 1000}, rec)
	c.http = doer
	return c
}

func TestClassify(t *testing.T) {
	assert.Equal(t, core.ExchKindInvalid, classify(errors.New("insufficient funds")))
	assert.Equal(t, core.ExchKindAuth, classify(errors.New("unauthorized signature mismatch")))
	assert.Equal(t, core.ExchKindRateLimited, classify(errors.New("429 too many requests")))
	assert.Equal(t, core.ExchKindTransient, classify(errors.New("connection timeout")))
	assert.Equal(t, core.ExchKindTerminal, classify(errors.New("something truly unexpected")))
}

func TestClient_WalletEquity_Success(t *testing.T) {
	doer := &stubDoer{responses: []stubResponse{{status: 200, body: `{"equity":"1234.50"}`}}}
	rec := &recordingRecorder{}
	c := testClient(t, doer, rec)

	eq, err := c.WalletEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234.5", eq.String())
	assert.Equal(t, []bool{true}, rec.results)
}

func TestClient_PlaceLimit_ReportsFailureToRecorder(t *testing.T) {
	doer := &stubDoer{responses: []stubResponse{
		{status: 400, body: "insufficient funds"},
	}}
	rec := &recordingRecorder{}
	c := testClient(t, doer, rec)

	_, err := c.PlaceLimit(context.Background(), "ETHUSDT", core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(1), "tag-1")
	require.Error(t, err)
	assert.Equal(t, []bool{false}, rec.results)
}

func TestClient_OrderStatus_ParsesWireFormat(t *testing.T) {
	doer := &stubDoer{responses: []stubResponse{{status: 200, body: `{"state":"FILLED","filled_qty":"2","avg_price":"101.5"}`}}}
	c := testClient(t, doer, nil)

	status, err := c.OrderStatus(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, status.State)
	assert.Equal(t, "101.5", status.AvgPrice.String())
}

func TestClient_OpenOrders_ParsesWireFormat(t *testing.T) {
	doer := &stubDoer{responses: []stubResponse{{status: 200, body: `{"orders":[{"order_id":"a"},{"order_id":"b"}]}`}}}
	c := testClient(t, doer, nil)

	ids, err := c.OpenOrders(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
