package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(models.ActionMintZkUsd,
		map[string]string{"vaultAddress": "B62qvault", "amount": "1000"},
		SignedTransaction{SerializedTx: `{"tx":"{}"}`, SignedData: `{"zkappCommand":{}}`})
	require.NoError(t, err)

	assert.Equal(t, models.ActionMintZkUsd, req.Task)
	assert.JSONEq(t, `{"vaultAddress":"B62qvault","amount":"1000"}`, req.Args)
	require.Len(t, req.Transactions, 1)

	var tx SignedTransaction
	require.NoError(t, json.Unmarshal([]byte(req.Transactions[0]), &tx))
	assert.Equal(t, `{"tx":"{}"}`, tx.SerializedTx)
}

func TestSubmit(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, SubmitPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"jobId":"job-1","result":{"hash":"5Jabc"}}`))
	}))
	defer server.Close()

	req, err := NewRequest(models.ActionDepositCollateral, map[string]string{"amount": "1"})
	require.NoError(t, err)

	resp, err := NewClient(Config{BaseURL: server.URL}, quietLogger()).Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, models.ActionDepositCollateral, got.Task)
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		userMessage string
		code        string
	}{
		{"HTTP 500", http.StatusInternalServerError, `{"success":false,"error":"Worker service responded with status: 502"}`, "Network response was not ok", vaulterrors.CodeRelayHTTP},
		{"应用层失败", http.StatusOK, `{"success":false,"error":"Insufficient collateral"}`, "Insufficient collateral", vaulterrors.CodeRelayRejected},
		{"格式错误", http.StatusOK, `not json`, "Network response was not ok", vaulterrors.CodeRelayMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			req, err := NewRequest(models.ActionBurnZkUsd, nil)
			require.NoError(t, err)

			_, err = NewClient(Config{BaseURL: server.URL}, quietLogger()).Submit(context.Background(), req)
			require.Error(t, err)
			assert.True(t, vaulterrors.IsRelayError(err))
			assert.Equal(t, tt.userMessage, vaulterrors.UserMessage(err))

			ve, ok := vaulterrors.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, ve.Code)
			assert.False(t, ve.Retryable, "中继提交不自动重试")
		})
	}
}
