package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/pkg/apperrors"
)

type fakeDispatch struct {
	mu       sync.Mutex
	resumed  []string
	paused   []string
	stopped  []string
	killed   bool
	failNext error
}

func (f *fakeDispatch) Resume(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.resumed = append(f.resumed, symbol)
	return nil
}
func (f *fakeDispatch) Pause(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, symbol)
	return nil
}
func (f *fakeDispatch) Stop(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, symbol)
	return nil
}
func (f *fakeDispatch) KillLatched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRouter_RejectsBadSignature(t *testing.T) {
	d := &fakeDispatch{}
	r := NewRouter(config.Secret("shh"), 10, d)
	body := []byte(`{"symbol":"ETHUSDT","action":"buy"}`)

	_, err := r.Handle(context.Background(), body, "deadbeef")
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ExchangeAuth, kind)
}

func TestRouter_MapsActionsToControllerOps(t *testing.T) {
	d := &fakeDispatch{}
	r := NewRouter(config.Secret("shh"), 10, d)

	for _, tc := range []struct {
		action string
		want   string
	}{
		{"buy", "resume"}, {"long", "resume"},
		{"sell", "pause"}, {"short", "pause"},
		{"close", "stop"},
	} {
		body, _ := json.Marshal(WebhookPayload{Symbol: "ETHUSDT", Action: tc.action})
		sig := sign("shh", string(body))
		op, err := r.Handle(context.Background(), body, sig)
		require.NoError(t, err, tc.action)
		assert.Equal(t, tc.want, op)
	}
	assert.Equal(t, []string{"ETHUSDT", "ETHUSDT"}, d.resumed)
	assert.Equal(t, []string{"ETHUSDT", "ETHUSDT"}, d.paused)
	assert.Equal(t, []string{"ETHUSDT"}, d.stopped)
}

func TestRouter_RejectsWhenKillLatched(t *testing.T) {
	d := &fakeDispatch{killed: true}
	r := NewRouter(config.Secret("shh"), 10, d)
	body, _ := json.Marshal(WebhookPayload{Symbol: "ETHUSDT", Action: "buy"})
	sig := sign("shh", string(body))

	_, err := r.Handle(context.Background(), body, sig)
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KilledByRisk, kind)
}

func TestRouter_UnrecognizedActionIsRejected(t *testing.T) {
	d := &fakeDispatch{}
	r := NewRouter(config.Secret("shh"), 10, d)
	body, _ := json.Marshal(WebhookPayload{Symbol: "ETHUSDT", Action: "moon"})
	sig := sign("shh", string(body))

	_, err := r.Handle(context.Background(), body, sig)
	require.Error(t, err)
}

func TestRouter_HistoryIsBoundedRingBuffer(t *testing.T) {
	d := &fakeDispatch{}
	r := NewRouter(config.Secret("shh"), 3, d)

	for i := 0; i < 5; i++ {
		body, _ := json.Marshal(WebhookPayload{Symbol: "ETHUSDT", Action: "buy"})
		sig := sign("shh", string(body))
		_, _ = r.Handle(context.Background(), body, sig)
	}

	hist := r.History()
	assert.Len(t, hist, 3, "history must never exceed its configured capacity")

	bySymbol, byAction := r.Counts()
	assert.Equal(t, 5, bySymbol["ETHUSDT"])
	assert.Equal(t, 5, byAction["buy"])
}
