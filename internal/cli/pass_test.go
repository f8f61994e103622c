package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/runner"
	"github.com/roach88/reajuste/internal/testutil"
)

// seedDueInstallment creates one installment due for its 2025-01-15
// correction with IPCA accumulating exactly 10% over 2024.
func seedDueInstallment(t *testing.T, e *cliEnv, lastMonth string) domain.FinancialInstallment {
	t.Helper()
	c := testutil.CreateContract(t, e.store, domain.Contract{Number: "C-100"})
	inst := testutil.CreateInstallment(t, e.store, c.ID, 1, "2025-03-10", "100.00")
	testutil.SeedIndex(t, e.store, domain.IndexIPCA, 2024, 1,
		"0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", lastMonth)
	return inst
}

func TestPassReadjustment_Text(t *testing.T) {
	e := newCLIEnv(t)
	inst := seedDueInstallment(t, e, "10")

	res := e.run(t, "pass", "readjustment", "--as-of", "2025-01-15")
	require.NoError(t, res.err, res.out)

	g := goldie.New(t)
	g.Assert(t, "pass_readjustment", []byte(res.out))

	got, err := e.store.GetInstallment(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "110.00", got.CurrentAmount.StringFixed(2))
	assert.Contains(t, res.log, "readjustment applied")
}

func TestPassReadjustment_JSON(t *testing.T) {
	e := newCLIEnv(t)
	seedDueInstallment(t, e, "10")

	res := e.run(t, "--format", "json", "pass", "readjustment", "--as-of", "2025-01-15")
	require.NoError(t, res.err, res.out)

	g := goldie.New(t)
	g.Assert(t, "pass_readjustment_json", []byte(res.out))
}

func TestPassReadjustment_Idempotent(t *testing.T) {
	e := newCLIEnv(t)
	seedDueInstallment(t, e, "10")

	require.NoError(t, e.run(t, "pass", "readjustment", "--as-of", "2025-01-15").err)

	res := e.runWith(t, &RootOptions{}, "--format", "json", "pass", "readjustment", "--as-of", "2025-01-15")
	require.NoError(t, res.err)

	var resp struct {
		Data struct {
			Applied    int `json:"applied"`
			Candidates int `json:"candidates"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, 0, resp.Data.Candidates)
	assert.Equal(t, 0, resp.Data.Applied)
}

func TestPassReadjustment_TerminalExitsOne(t *testing.T) {
	e := newCLIEnv(t)
	seedDueInstallment(t, e, "-5")

	res := e.run(t, "pass", "readjustment", "--as-of", "2025-01-15")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.err.Error(), "1 item(s) need operator attention")
	assert.Contains(t, res.out, "terminal")
	assert.Contains(t, res.log, "operator_attention=true")
}

func TestPassReadjustment_MissingIndexRetries(t *testing.T) {
	e := newCLIEnv(t)
	c := testutil.CreateContract(t, e.store, domain.Contract{Number: "C-101"})
	testutil.CreateInstallment(t, e.store, c.ID, 1, "2025-03-10", "100.00")
	testutil.SeedIndex(t, e.store, domain.IndexIPCA, 2024, 1, "0.5", "0.5")

	res := e.run(t, "--format", "json", "pass", "readjustment", "--as-of", "2025-01-15")
	require.NoError(t, res.err, "retryable failures do not need an operator")

	var resp struct {
		Data struct {
			Retrying int `json:"retrying"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, 1, resp.Data.Retrying)
}

func TestPass_InvalidAsOf(t *testing.T) {
	e := newCLIEnv(t)
	res := e.run(t, "pass", "readjustment", "--as-of", "15/01/2025")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E006]")
}

func TestPass_Busy(t *testing.T) {
	e := newCLIEnv(t)
	lock := runner.NewLocalLock()
	release, err := lock.TryAcquire(context.Background(), runner.JobNotification, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	res := e.runWith(t, &RootOptions{Lock: lock}, "pass", "notification", "--as-of", "2025-01-15")
	require.Error(t, res.err)
	assert.Equal(t, ExitBusy, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E007]")
}

// Without Redis, a pass held by another process on the same database is
// refused.
func TestPass_BusyAcrossProcesses(t *testing.T) {
	e := newCLIEnv(t)
	release, err := runner.NewStoreLock(e.store).TryAcquire(context.Background(), runner.JobReadjustment, time.Hour)
	require.NoError(t, err)

	res := e.run(t, "pass", "readjustment", "--as-of", "2025-01-15")
	require.Error(t, res.err)
	assert.Equal(t, ExitBusy, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E007]")

	require.NoError(t, release(context.Background()))
	res = e.run(t, "pass", "readjustment", "--as-of", "2025-01-15")
	require.NoError(t, res.err, res.out)
}

func TestPassNotification(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv("REAJUSTE_DELIVERY_LOG_ONLY", "true")
	c := testutil.CreateContract(t, e.store, domain.Contract{Number: "C-200"})
	testutil.CreateInstallment(t, e.store, c.ID, 3, "2025-01-20", "1234.50")

	res := e.run(t, "--format", "json", "pass", "notification", "--as-of", "2025-01-15")
	require.NoError(t, res.err, res.out)

	var resp struct {
		Data struct {
			PassID string `json:"pass_id"`
			Sent   int    `json:"sent"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, "pass-1", resp.Data.PassID)
	assert.Equal(t, 1, resp.Data.Sent)

	// log_only routes e-mail to the log.
	assert.Contains(t, res.log, "notification delivered to log")
	assert.Contains(t, res.log, "maria@example.com")

	res = e.run(t, "notifications", "list", "--status", "sent")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "maria@example.com")
	assert.Contains(t, res.out, "2025-01-20")
}

// With no SMS gateway configured, an SMS notice fails terminally and is
// never recorded as sent.
func TestPassNotification_NoGatewayIsTerminal(t *testing.T) {
	e := newCLIEnv(t)
	c := testutil.CreateContract(t, e.store, domain.Contract{
		Number:    "C-300",
		Recipient: domain.Recipient{Name: "Joao Souza", Phone: "+5511988880000", Channel: domain.ChannelSMS},
	})
	testutil.CreateInstallment(t, e.store, c.ID, 1, "2025-01-20", "500.00")

	res := e.run(t, "--format", "json", "pass", "notification", "--as-of", "2025-01-15")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.log, "operator_attention=true")
	assert.NotContains(t, res.log, "notification delivered to log")

	var resp struct {
		Data struct {
			Sent     int `json:"sent"`
			Terminal int `json:"terminal"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, 0, resp.Data.Sent)
	assert.Equal(t, 1, resp.Data.Terminal)

	res = e.run(t, "notifications", "list", "--status", "sent")
	require.NoError(t, res.err)
	assert.Equal(t, "No notifications found.\n", res.out)

	res = e.run(t, "notifications", "list", "--terminal")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "+5511988880000")
	assert.Contains(t, res.out, "failed")
	assert.Contains(t, res.out, "no deliverer for channel")
}
