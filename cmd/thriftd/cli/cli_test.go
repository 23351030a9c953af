package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/jobs"
)

type stubActivator struct {
	got fees.Config
}

func (s *stubActivator) Activate(ctx context.Context, cfg fees.Config) (fees.Config, error) {
	s.got = cfg
	cfg.ID = 7
	return cfg, nil
}

const otherBankSchedule = `{
  "name": "other bank 2025",
  "transfer_type": "other_bank",
  "base_fee": "10.00",
  "percent_bps": 50,
  "free_per_day": 1,
  "free_per_month": 5,
  "min_amount_for_fee": "100.00",
  "max_daily_free_amount": "5000.00",
  "fee_account": "4010100001",
  "effective_date": "2025-06-01"
}`

func TestRunFeeActivateJSON(t *testing.T) {
	act := &stubActivator{}
	var stdout bytes.Buffer
	err := RunFeeActivate(context.Background(), act, FeeActivateOptions{
		Path:       "-",
		JSONOutput: true,
		Stdin:      strings.NewReader(otherBankSchedule),
		Stdout:     &stdout,
	})
	require.NoError(t, err)

	var summary FeeActivateSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.True(t, summary.OK)
	assert.EqualValues(t, 7, summary.ConfigID)
	assert.Equal(t, "10.00", summary.BaseFee)

	assert.Equal(t, fees.TransferOtherBank, act.got.TransferType)
	assert.EqualValues(t, 50, act.got.PercentBPS)
	assert.Equal(t, "4010100001", act.got.FeeAccount.String())
	assert.Equal(t, "2025-06-01", act.got.EffectiveDate.Format("2006-01-02"))
}

func TestRunFeeActivateRejectsInvalidSchedule(t *testing.T) {
	act := &stubActivator{}
	var stdout, stderr bytes.Buffer
	bad := strings.Replace(otherBankSchedule, `"other_bank"`, `"intra_tenant"`, 1)
	err := RunFeeActivate(context.Background(), act, FeeActivateOptions{
		Path:   "-",
		Stdin:  strings.NewReader(bad),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.ErrorIs(t, err, fees.ErrInvalidConfig)
	assert.Contains(t, stderr.String(), "fee activation failed")
	assert.Empty(t, act.got.Name)

	err = RunFeeActivate(context.Background(), act, FeeActivateOptions{
		Path:   "-",
		Stdin:  strings.NewReader(`{"name":"x","unexpected":1}`),
		Stderr: &stderr,
	})
	require.Error(t, err)
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskLedgerIntegrity)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskLedgerIntegrity, task.Type())
	assert.JSONEq(t, `{"window_hours":24}`, string(task.Payload()))

	_, err = BuildTask(jobs.TaskTransferStatusPoll)
	require.NoError(t, err)

	_, err = BuildTask("fx:backfill")
	require.Error(t, err)
}
