package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/meiyolab/honorledger/internal/checkout"
	"github.com/meiyolab/honorledger/internal/rankfeed"
	"github.com/meiyolab/honorledger/internal/store/gormstore"
	"github.com/meiyolab/honorledger/pkg/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testJWTKey        = "test-signing-key"
	testWebhookSecret = "whsec_test"
)

var testClock = time.Unix(1_700_000_000, 0)

type testEnv struct {
	server *Server
	store  *gormstore.Store
	feed   *rankfeed.Feed
}

func newTestEnv(test *testing.T) *testEnv {
	test.Helper()
	path := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	feed := rankfeed.New(store, rankfeed.DefaultSize, zap.NewNop())
	service, err := ledger.NewService(store, func() int64 { return testClock.Unix() }, ledger.WithChangePublisher(feed))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	verifier, err := checkout.NewSignatureVerifier(testWebhookSecret, func() time.Time { return testClock })
	if err != nil {
		test.Fatalf("new verifier: %v", err)
	}
	server, err := New(Config{
		JWTSigningKey:   testJWTKey,
		MinChargeAmount: 100,
	}, zap.NewNop(), service, checkout.NewSimulator("http://localhost:3000/thanks"), verifier, feed)
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return &testEnv{server: server, store: store, feed: feed}
}

func (env *testEnv) seedAccount(test *testing.T, account ledger.Account) {
	test.Helper()
	if err := env.store.CreateAccount(context.Background(), account); err != nil {
		test.Fatalf("seed account %q: %v", account.UserID, err)
	}
}

func (env *testEnv) request(test *testing.T, method string, target string, body any, token string) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) deliverWebhook(test *testing.T, payload string) *httptest.ResponseRecorder {
	test.Helper()
	request := httptest.NewRequest(http.MethodPost, "/webhooks/payment-provider", bytes.NewReader([]byte(payload)))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(signatureHeader, checkout.Sign(testWebhookSecret, testClock, []byte(payload)))
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func signToken(test *testing.T, subject string) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder, target any) {
	test.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(test *testing.T, recorder *httptest.ResponseRecorder) string {
	test.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(test, recorder, &payload)
	return payload.Error.Code
}

func completedPayload(sessionID string, userID string, amount int64) string {
	return fmt.Sprintf(`{"type":"checkout.session.completed","data":{"object":{"id":%q,"amount_total":%d,"metadata":{"userId":%q,"amount":"%d"}}}}`, sessionID, amount, userID, amount)
}

func TestPayDebitsAndRecordsHistory(test *testing.T) {
	env := newTestEnv(test)
	env.seedAccount(test, ledger.Account{UserID: "alice", Balance: 10})
	token := signToken(test, "alice")

	for _, wantBalance := range []int64{9, 8} {
		recorder := env.request(test, http.MethodPost, "/pay", map[string]any{"userId": "alice", "amount": 1}, token)
		if recorder.Code != http.StatusOK {
			test.Fatalf("pay status = %d body %s", recorder.Code, recorder.Body.String())
		}
		var response payResponse
		decodeBody(test, recorder, &response)
		if !response.Success || response.NewBalance != wantBalance {
			test.Fatalf("unexpected response: %+v", response)
		}
	}

	recorder := env.request(test, http.MethodGet, "/history?userId=alice", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("history status = %d", recorder.Code)
	}
	var entries []historyEntry
	decodeBody(test, recorder, &entries)
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Kind != "spend" || entry.Amount != 1 || entry.ID == "" {
			test.Fatalf("unexpected entry: %+v", entry)
		}
	}
}

func TestPayRequiresBearerToken(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodPost, "/pay", map[string]any{"userId": "alice", "amount": 1}, "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("status = %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "Unauthorized" {
		test.Fatalf("code = %q", code)
	}

	recorder = env.request(test, http.MethodPost, "/pay", map[string]any{"userId": "alice", "amount": 1}, "not-a-jwt")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("garbage token status = %d", recorder.Code)
	}
}

func TestPayRejectsPrincipalMismatch(test *testing.T) {
	env := newTestEnv(test)
	env.seedAccount(test, ledger.Account{UserID: "alice", Balance: 10})

	recorder := env.request(test, http.MethodPost, "/pay", map[string]any{"userId": "alice", "amount": 1}, signToken(test, "mallory"))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("status = %d body %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCode(test, recorder); code != "Unauthorized" {
		test.Fatalf("code = %q", code)
	}
}

func TestPayInsufficientBalance(test *testing.T) {
	env := newTestEnv(test)
	env.seedAccount(test, ledger.Account{UserID: "bob", Balance: 50})
	token := signToken(test, "bob")

	recorder := env.request(test, http.MethodPost, "/pay", map[string]any{"userId": "bob", "amount": 100}, token)
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf("status = %d body %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCode(test, recorder); code != "InsufficientBalance" {
		test.Fatalf("code = %q", code)
	}

	balance := env.request(test, http.MethodGet, "/balance?userId=bob", nil, "")
	var account balanceResponse
	decodeBody(test, balance, &account)
	if account.Balance != 50 || account.TotalPaid != 0 {
		test.Fatalf("account mutated after failed pay: %+v", account)
	}
}

func TestPayValidation(test *testing.T) {
	env := newTestEnv(test)
	token := signToken(test, "alice")

	for name, body := range map[string]map[string]any{
		"missing userId":  {"amount": 1},
		"missing amount":  {"userId": "alice"},
		"zero amount":     {"userId": "alice", "amount": 0},
		"negative amount": {"userId": "alice", "amount": -5},
	} {
		recorder := env.request(test, http.MethodPost, "/pay", body, token)
		if recorder.Code != http.StatusBadRequest {
			test.Fatalf("%s: status = %d", name, recorder.Code)
		}
		if code := errorCode(test, recorder); code != "ValidationError" {
			test.Fatalf("%s: code = %q", name, code)
		}
	}
}

func TestChargeCreatesCheckoutSession(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodPost, "/charge", map[string]any{"userId": "alice", "amount": 500}, signToken(test, "alice"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("status = %d body %s", recorder.Code, recorder.Body.String())
	}
	var response chargeResponse
	decodeBody(test, recorder, &response)
	if response.CheckoutRef == "" {
		test.Fatal("missing checkout reference")
	}
	if response.CheckoutURL == "" {
		test.Fatal("missing checkout url")
	}

	// No ledger mutation until the provider confirms.
	balance := env.request(test, http.MethodGet, "/balance?userId=alice", nil, "")
	if balance.Code != http.StatusNotFound {
		test.Fatalf("balance status = %d, want 404 before confirmation", balance.Code)
	}
}

func TestChargeRejectsBelowMinimum(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodPost, "/charge", map[string]any{"userId": "alice", "amount": 99}, signToken(test, "alice"))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status = %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "ValidationError" {
		test.Fatalf("code = %q", code)
	}
}

func TestChargeRejectsPrincipalMismatch(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodPost, "/charge", map[string]any{"userId": "alice", "amount": 500}, signToken(test, "mallory"))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("status = %d", recorder.Code)
	}
}

func TestWebhookCreditsOnceAcrossRedelivery(test *testing.T) {
	env := newTestEnv(test)
	payload := completedPayload("cs_test_1", "carol", 500)

	for delivery := 0; delivery < 2; delivery++ {
		recorder := env.deliverWebhook(test, payload)
		if recorder.Code != http.StatusOK {
			test.Fatalf("delivery %d: status = %d body %s", delivery, recorder.Code, recorder.Body.String())
		}
		var response webhookResponse
		decodeBody(test, recorder, &response)
		if !response.Received {
			test.Fatalf("delivery %d not acknowledged", delivery)
		}
	}

	balance := env.request(test, http.MethodGet, "/balance?userId=carol", nil, "")
	if balance.Code != http.StatusOK {
		test.Fatalf("balance status = %d", balance.Code)
	}
	var account balanceResponse
	decodeBody(test, balance, &account)
	if account.Balance != 500 {
		test.Fatalf("balance = %d, want 500", account.Balance)
	}
	if account.TotalPaid != 0 {
		test.Fatalf("topup raised lifetime total: %d", account.TotalPaid)
	}

	history := env.request(test, http.MethodGet, "/history?userId=carol", nil, "")
	var entries []historyEntry
	decodeBody(test, history, &entries)
	if len(entries) != 1 || entries[0].Kind != "topup" || entries[0].Amount != 500 {
		test.Fatalf("unexpected history: %+v", entries)
	}
}

func TestWebhookRejectsInvalidSignature(test *testing.T) {
	env := newTestEnv(test)
	payload := completedPayload("cs_test_1", "carol", 500)

	request := httptest.NewRequest(http.MethodPost, "/webhooks/payment-provider", bytes.NewReader([]byte(payload)))
	request.Header.Set(signatureHeader, "t=1700000000,v1=deadbeef")
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status = %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "InvalidSignature" {
		test.Fatalf("code = %q", code)
	}

	// The forged delivery left no trace.
	balance := env.request(test, http.MethodGet, "/balance?userId=carol", nil, "")
	if balance.Code != http.StatusNotFound {
		test.Fatalf("balance status = %d, want 404", balance.Code)
	}
}

func TestWebhookAcksUnknownEventType(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.deliverWebhook(test, `{"type":"invoice.paid","data":{"object":{}}}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status = %d", recorder.Code)
	}
}

func TestWebhookRejectsMalformedCompletedEvent(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.deliverWebhook(test, `{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","amount_total":500,"metadata":{}}}}`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status = %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "ValidationError" {
		test.Fatalf("code = %q", code)
	}
}

func TestRankingOrdersByLifetimeTotal(test *testing.T) {
	env := newTestEnv(test)
	env.seedAccount(test, ledger.Account{UserID: "alice", Balance: 0, TotalPaid: 300})
	env.seedAccount(test, ledger.Account{UserID: "bob", Balance: 0, TotalPaid: 100})
	env.seedAccount(test, ledger.Account{UserID: "carol", Balance: 0, TotalPaid: 300})
	if err := env.feed.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}

	recorder := env.request(test, http.MethodGet, "/ranking", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("status = %d", recorder.Code)
	}
	var response struct {
		Ranking []rankfeed.RankedAccount `json:"ranking"`
	}
	decodeBody(test, recorder, &response)
	want := []struct {
		rank   int
		userID string
	}{
		{1, "alice"},
		{2, "carol"},
		{3, "bob"},
	}
	if len(response.Ranking) != len(want) {
		test.Fatalf("expected %d rows, got %d", len(want), len(response.Ranking))
	}
	for index, expected := range want {
		row := response.Ranking[index]
		if row.Rank != expected.rank || row.UserID != expected.userID {
			test.Fatalf("row %d = %+v, want rank %d user %q", index, row, expected.rank, expected.userID)
		}
	}
}

// flakyRankingStore fails TopAccounts on demand while delegating
// everything else to the real store.
type flakyRankingStore struct {
	ledger.Store
	fail atomic.Bool
}

func (store *flakyRankingStore) TopAccounts(ctx context.Context, limit int) ([]ledger.Account, error) {
	if store.fail.Load() {
		return nil, errors.New("ranking query failed")
	}
	return store.Store.TopAccounts(ctx, limit)
}

func TestRankingUnavailableAfterRefreshFailure(test *testing.T) {
	path := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	flaky := &flakyRankingStore{Store: store}
	feed := rankfeed.New(flaky, rankfeed.DefaultSize, zap.NewNop())
	service, err := ledger.NewService(store, func() int64 { return testClock.Unix() }, ledger.WithChangePublisher(feed))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	verifier, err := checkout.NewSignatureVerifier(testWebhookSecret, func() time.Time { return testClock })
	if err != nil {
		test.Fatalf("new verifier: %v", err)
	}
	server, err := New(Config{JWTSigningKey: testJWTKey}, zap.NewNop(), service, checkout.NewSimulator(""), verifier, feed)
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	env := &testEnv{server: server, store: store, feed: feed}
	env.seedAccount(test, ledger.Account{UserID: "alice", TotalPaid: 300})
	if err := feed.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}

	flaky.fail.Store(true)
	if err := feed.Refresh(context.Background()); err == nil {
		test.Fatal("expected refresh failure")
	}
	recorder := env.request(test, http.MethodGet, "/ranking", nil, "")
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf("status = %d, want 500 after refresh failure", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "InternalError" {
		test.Fatalf("code = %q", code)
	}

	flaky.fail.Store(false)
	if err := feed.Refresh(context.Background()); err != nil {
		test.Fatalf("recovery refresh: %v", err)
	}
	recorder = env.request(test, http.MethodGet, "/ranking", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("status = %d after recovery", recorder.Code)
	}
}

func TestHistoryRequiresUserID(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodGet, "/history", nil, "")
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status = %d", recorder.Code)
	}
}

func TestBalanceUnknownUser(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodGet, "/balance?userId=ghost", nil, "")
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("status = %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "AccountNotFound" {
		test.Fatalf("code = %q", code)
	}
}

func TestHealthz(test *testing.T) {
	env := newTestEnv(test)

	recorder := env.request(test, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("status = %d", recorder.Code)
	}
}
