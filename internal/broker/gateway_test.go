package broker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/ratelimit"
)

type fakeClient struct {
	mu         sync.Mutex
	placeErrs  []error
	cancelErrs []error
	listErrs   []error
	book       []models.BrokerOrder
	placeCalls int
	cancelCall int
	listCalls  int
	tokens     []string
	session    *Session
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *fakeClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeCalls++
	if c.session != nil {
		c.tokens = append(c.tokens, c.session.Token())
	}
	if err := pop(&c.placeErrs); err != nil {
		return "", err
	}
	id := "B-" + req.ClientOrderID
	c.book = append(c.book, models.BrokerOrder{BrokerOrderID: id, ClientOrderID: req.ClientOrderID, Status: models.OrderStatusOpen})
	return id, nil
}

func (c *fakeClient) CancelOrder(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCall++
	return pop(&c.cancelErrs)
}

func (c *fakeClient) ListOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if err := pop(&c.listErrs); err != nil {
		return nil, err
	}
	return append([]models.BrokerOrder(nil), c.book...), nil
}

type countingLimiter struct {
	mu     sync.Mutex
	calls  map[string]int
	refuse bool
}

func (l *countingLimiter) Acquire(ctx context.Context, class string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[class]++
	return !l.refuse
}

func newTestGateway(c Client, l Limiter, refresh RefreshFunc, retries int) (*Gateway, *[]time.Duration) {
	g := NewGateway(c, l, refresh, GatewayConfig{MaxRetries: retries, RetryBackoff: 100 * time.Millisecond}, logger.Discard())
	var waits []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return g, &waits
}

var req = models.OrderRequest{ClientOrderID: "P1_ENTRY", Symbol: "INFY", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 50}

func transient(msg string) error {
	return &APIError{Kind: ErrTransient, StatusCode: http.StatusBadGateway, Message: msg}
}

func TestPlaceOrderTakesOneTokenPerAttempt(t *testing.T) {
	c := &fakeClient{placeErrs: []error{transient("bad gateway")}, listErrs: []error{transient("down")}}
	l := &countingLimiter{}
	g, waits := newTestGateway(c, l, nil, 3)

	id, err := g.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "B-P1_ENTRY" {
		t.Fatalf("id = %q", id)
	}
	if c.placeCalls != 2 {
		t.Fatalf("place calls = %d, want 2", c.placeCalls)
	}
	if l.calls[ratelimit.ClassOrders] != 2 {
		t.Fatalf("order tokens = %d, want 2", l.calls[ratelimit.ClassOrders])
	}
	if l.calls[ratelimit.ClassQueries] != 1 {
		t.Fatalf("query tokens = %d, want 1 for the pre-retry lookup", l.calls[ratelimit.ClassQueries])
	}
	if len(*waits) != 1 || (*waits)[0] != 100*time.Millisecond {
		t.Fatalf("waits = %v", *waits)
	}
}

func TestTransientErrorsStopAfterMaxRetries(t *testing.T) {
	c := &fakeClient{cancelErrs: []error{transient("1"), transient("2"), transient("3"), transient("4")}}
	g, waits := newTestGateway(c, &countingLimiter{}, nil, 2)

	err := g.CancelOrder(context.Background(), "B-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if c.cancelCall != 3 {
		t.Fatalf("cancel calls = %d, want 3", c.cancelCall)
	}
	if got := *waits; len(got) != 2 || got[1] != 2*got[0] {
		t.Fatalf("backoff waits = %v, want doubling", got)
	}
}

func TestThrottledBackoffIsLonger(t *testing.T) {
	c := &fakeClient{listErrs: []error{&APIError{Kind: ErrTransient, StatusCode: http.StatusTooManyRequests, Message: "too many requests"}}}
	g, waits := newTestGateway(c, &countingLimiter{}, nil, 3)

	if _, err := g.ListOrders(context.Background()); err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(*waits) != 1 || (*waits)[0] != 400*time.Millisecond {
		t.Fatalf("waits = %v, want one 400ms wait", *waits)
	}
}

func TestRetriedPlaceReusesOrderAlreadyAtBroker(t *testing.T) {
	c := &fakeClient{
		placeErrs: []error{transient("timeout after send")},
		book:      []models.BrokerOrder{{BrokerOrderID: "B-EXISTING", ClientOrderID: "P1_ENTRY"}},
	}
	g, _ := newTestGateway(c, &countingLimiter{}, nil, 3)

	id, err := g.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "B-EXISTING" {
		t.Fatalf("id = %q, want the existing broker order", id)
	}
	if c.placeCalls != 1 {
		t.Fatalf("place calls = %d, want 1", c.placeCalls)
	}
}

func TestDuplicateClientIDResolvesToExistingOrder(t *testing.T) {
	c := &fakeClient{
		placeErrs: []error{&APIError{Kind: ErrDuplicate, StatusCode: http.StatusConflict, Message: "duplicate tag"}},
		book:      []models.BrokerOrder{{BrokerOrderID: "B-EXISTING", ClientOrderID: "P1_ENTRY"}},
	}
	g, _ := newTestGateway(c, &countingLimiter{}, nil, 3)

	id, err := g.PlaceOrder(context.Background(), req)
	if err != nil || id != "B-EXISTING" {
		t.Fatalf("PlaceOrder = %q, %v", id, err)
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	c := &fakeClient{placeErrs: []error{&APIError{Kind: ErrRejected, StatusCode: http.StatusBadRequest, ErrorType: "OrderException", Message: "market closed"}}}
	g, waits := newTestGateway(c, &countingLimiter{}, nil, 3)

	_, err := g.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if Reason(err) != "market closed" {
		t.Fatalf("reason = %q", Reason(err))
	}
	if c.placeCalls != 1 || len(*waits) != 0 {
		t.Fatalf("rejection retried: calls=%d waits=%v", c.placeCalls, *waits)
	}
}

func TestAuthFailureRefreshesAndRetriesOnce(t *testing.T) {
	session := NewSession("old")
	c := &fakeClient{
		placeErrs: []error{&APIError{Kind: ErrAuth, StatusCode: http.StatusForbidden, ErrorType: "TokenException", Message: "token expired"}},
		session:   session,
	}
	refreshes := 0
	refresh := func(ctx context.Context) error {
		refreshes++
		session.SetToken("new")
		return nil
	}
	g, _ := newTestGateway(c, &countingLimiter{}, refresh, 3)

	if _, err := g.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
	if len(c.tokens) != 2 || c.tokens[0] != "old" || c.tokens[1] != "new" {
		t.Fatalf("tokens used = %v", c.tokens)
	}
}

func TestPersistentAuthFailureIsTokenExpired(t *testing.T) {
	authErr := &APIError{Kind: ErrAuth, StatusCode: http.StatusUnauthorized, Message: "invalid token"}
	c := &fakeClient{listErrs: []error{authErr, authErr, authErr}}
	refreshes := 0
	g, _ := newTestGateway(c, &countingLimiter{}, func(context.Context) error { refreshes++; return nil }, 3)

	_, err := g.ListOrders(context.Background())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if refreshes != 1 || c.listCalls != 2 {
		t.Fatalf("refreshes=%d calls=%d, want 1 and 2", refreshes, c.listCalls)
	}
}

func TestAuthFailureWithoutRefreshIsTokenExpired(t *testing.T) {
	c := &fakeClient{cancelErrs: []error{&APIError{Kind: ErrAuth, StatusCode: http.StatusForbidden}}}
	g, _ := newTestGateway(c, &countingLimiter{}, nil, 3)

	if err := g.CancelOrder(context.Background(), "B-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestFailedRefreshIsTokenExpired(t *testing.T) {
	c := &fakeClient{cancelErrs: []error{&APIError{Kind: ErrAuth, StatusCode: http.StatusForbidden}}}
	g, _ := newTestGateway(c, &countingLimiter{}, func(context.Context) error { return errors.New("no new token") }, 3)

	if err := g.CancelOrder(context.Background(), "B-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if c.cancelCall != 1 {
		t.Fatalf("cancel calls = %d, want 1", c.cancelCall)
	}
}

func TestSaturatedLimiterReturnsRateLimited(t *testing.T) {
	c := &fakeClient{}
	g, _ := newTestGateway(c, &countingLimiter{refuse: true}, nil, 3)

	_, err := g.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrRateLimited) || !errors.Is(err, ErrNotSent) {
		t.Fatalf("err = %v, want ErrRateLimited and ErrNotSent", err)
	}
	if c.placeCalls != 0 {
		t.Fatal("order sent without a rate limiter token")
	}
}

func TestFileRefresher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	session := NewSession("old")
	r := NewFileRefresher(path, session, logger.Discard())

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("refresh succeeded without a token file")
	}
	os.WriteFile(path, []byte("old\n"), 0o600)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("refresh accepted the token that was just rejected")
	}
	os.WriteFile(path, []byte("fresh\n"), 0o600)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if session.Token() != "fresh" {
		t.Fatalf("token = %q", session.Token())
	}
}
