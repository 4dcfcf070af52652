package reconciliation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSender struct {
	err error
}

func (s *stubSender) SendWithdrawal(context.Context, *ledger.Withdrawal) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "po_1", nil
}

// seed runs a realistic wallet history: two credits, one paid withdrawal,
// one failed withdrawal and one still pending.
func seed(t *testing.T) *ledger.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	sender := &stubSender{}
	svc := ledger.NewService(store, nil).WithPayoutSender(sender)

	for i, amt := range []int64{50000, 25000} {
		_, err := svc.CreditEarnings(ctx, ledger.CreditRequest{
			UserID: 2, Amount: money.FromMinor(amt), EscrowID: int64(i + 1),
		})
		require.NoError(t, err)
	}

	paid, err := svc.RequestWithdrawal(ctx, 2, money.FromMinor(10000))
	require.NoError(t, err)
	_, err = svc.ProcessWithdrawal(ctx, paid.ID)
	require.NoError(t, err)

	sender.err = errors.New("account closed")
	failed, err := svc.RequestWithdrawal(ctx, 2, money.FromMinor(20000))
	require.NoError(t, err)
	_, err = svc.ProcessWithdrawal(ctx, failed.ID)
	require.ErrorIs(t, err, ledger.ErrPayoutFailed)

	_, err = svc.RequestWithdrawal(ctx, 2, money.FromMinor(5000))
	require.NoError(t, err)
	return store
}

func TestReconcile_ConsistentWallet(t *testing.T) {
	svc := NewService(seed(t), logging.Discard())

	r, err := svc.Reconcile(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, r.Match, "%+v", r)
	assert.Equal(t, money.FromMinor(60000), r.Balance)
	assert.Equal(t, r.Balance, r.ComputedBalance)
	assert.Equal(t, money.FromMinor(5000), r.ComputedPending)
	assert.Equal(t, 6, r.RowsChecked)
	assert.Empty(t, r.RowMismatches)
}

func TestReconcile_EmptyWallet(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore(), logging.Discard())
	r, err := svc.Reconcile(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, r.Match)
	assert.Zero(t, r.RowsChecked)
}

func TestReconcile_ConcurrentWritesNeverReportDrift(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	ledgerSvc := ledger.NewService(store, nil).WithPayoutSender(&stubSender{})
	svc := NewService(store, logging.Discard())

	stop := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		for i := int64(100); ; i++ {
			select {
			case <-stop:
				writerDone <- nil
				return
			default:
			}
			if _, err := ledgerSvc.CreditEarnings(ctx, ledger.CreditRequest{
				UserID: 2, Amount: money.FromMinor(100), EscrowID: i,
			}); err != nil {
				writerDone <- err
				return
			}
			if i%5 == 0 {
				if _, err := ledgerSvc.RequestWithdrawal(ctx, 2, money.FromMinor(50)); err != nil {
					writerDone <- err
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		r, err := svc.Reconcile(ctx, 2)
		require.NoError(t, err)
		require.True(t, r.Match, "run %d: %+v", i, r)
	}
	close(stop)
	require.NoError(t, <-writerDone)
}

type fakeSource struct {
	accounts map[int64]*ledger.Account
	history  map[int64][]*ledger.Transaction
	failFor  int64
}

func (f *fakeSource) Snapshot(_ context.Context, userID int64) (*ledger.Account, []*ledger.Transaction, error) {
	if userID == f.failFor {
		return nil, nil, errors.New("connection reset")
	}
	acct, ok := f.accounts[userID]
	if !ok {
		acct = &ledger.Account{UserID: userID}
	}
	return acct, f.history[userID], nil
}

func (f *fakeSource) ListAccountIDs(context.Context) ([]int64, error) {
	var ids []int64
	for id := range f.accounts {
		ids = append(ids, id)
	}
	if f.failFor != 0 {
		ids = append(ids, f.failFor)
	}
	return ids, nil
}

func corrupted() *fakeSource {
	return &fakeSource{
		accounts: map[int64]*ledger.Account{
			1: {UserID: 1, Balance: 1000},
			2: {UserID: 2, Balance: 900},
		},
		history: map[int64][]*ledger.Transaction{
			1: {{ID: 1, Type: ledger.TxCredit, Amount: 1000, BalanceAfter: 1000, Status: ledger.TxCompleted}},
			2: {
				{ID: 2, Type: ledger.TxCredit, Amount: 1000, BalanceAfter: 1000, Status: ledger.TxCompleted},
				{ID: 3, Type: ledger.TxCredit, Amount: 500, BalanceAfter: 1400, Status: ledger.TxCompleted},
			},
		},
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	svc := NewService(corrupted(), logging.Discard())

	r, err := svc.Reconcile(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, r.Match)
	assert.Equal(t, money.Amount(1500), r.ComputedBalance)
	require.Len(t, r.RowMismatches, 1)
	assert.Equal(t, RowMismatch{TransactionID: 3, Recorded: 1400, Expected: 1500}, r.RowMismatches[0])
}

func TestRunAll(t *testing.T) {
	src := corrupted()
	src.failFor = 7
	svc := NewService(src, logging.Discard())

	sum, err := svc.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Accounts)
	assert.Equal(t, 1, sum.Errors)
	require.Len(t, sum.Mismatched, 1)
	assert.Equal(t, int64(2), sum.Mismatched[0].UserID)
}

func TestHandler(t *testing.T) {
	r := gin.New()
	NewHandler(NewService(corrupted(), logging.Discard())).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconcile/1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Report.Match)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconcile/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var sum Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Len(t, sum.Mismatched, 1)
}

func TestRunAll_LogsSummary(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(corrupted(), logging.NewWithWriter(&buf, "info", "json"))

	_, err := svc.RunAll(context.Background())
	require.NoError(t, err)

	var last map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		require.NoError(t, json.Unmarshal(line, &last))
	}
	assert.Equal(t, "reconciliation run finished", last["msg"])
	assert.Equal(t, "WARN", last["level"])
	assert.Equal(t, float64(2), last["accounts"])
	assert.Equal(t, float64(1), last["mismatched"])
}

func TestTimer_StartStop(t *testing.T) {
	tm := NewTimer(NewService(corrupted(), logging.Discard()), 5*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, tm.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return gaugeValue(t, "escrowpay_reconciliation_accounts_checked") == 2
	}, time.Second, 5*time.Millisecond)

	tm.Stop()
	tm.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, tm.Running())
}

// blockingSource holds ListAccountIDs until released.
type blockingSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) ListAccountIDs(ctx context.Context) ([]int64, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeSource.ListAccountIDs(ctx)
}

func TestTimer_StopDuringPass(t *testing.T) {
	src := &blockingSource{fakeSource: *corrupted(), entered: make(chan struct{}), release: make(chan struct{})}
	tm := NewTimer(NewService(src, logging.Discard()), time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()

	<-src.entered
	tm.Stop()
	close(src.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop requested mid-pass was lost")
	}
}

type panickingSource struct{ fakeSource }

func (panickingSource) ListAccountIDs(context.Context) ([]int64, error) {
	panic("nil wallet")
}

func TestTimer_SurvivesPanickingPass(t *testing.T) {
	before := counterValue(t, "escrowpay_reconciliation_errors_total")
	tm := NewTimer(NewService(&panickingSource{}, logging.Discard()), time.Millisecond, logging.Discard())
	go tm.Start(context.Background())
	defer tm.Stop()

	require.Eventually(t, func() bool {
		return counterValue(t, "escrowpay_reconciliation_errors_total") >= before+2
	}, time.Second, time.Millisecond)
	assert.True(t, tm.Running())
}
