package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultflow/pkg/models"
)

func TestDefaultPhasePlans(t *testing.T) {
	plans := DefaultPhasePlans()
	assert.Equal(t, models.PhaseSending, plans.AfterSigning(models.ActionCreateVault))
	assert.Equal(t, models.PhaseProving, plans.AfterSigning(models.ActionMintZkUsd))
	assert.False(t, plans.Includes(models.ActionCreateVault, models.PhaseProving))
	assert.True(t, plans.Includes(models.ActionCreateVault, models.PhaseFailed))
	assert.Equal(t, models.PhaseProving, PhasePlans{}.AfterSigning(models.ActionBurnZkUsd))
}

func TestParsePhasePlans(t *testing.T) {
	plans, err := ParsePhasePlans(map[string][]string{
		"depositCollateral": {"BUILDING", "SIGNING", "SENDING", "INCLUDED"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSending, plans.AfterSigning(models.ActionDepositCollateral))
	assert.Equal(t, models.PhaseSending, plans.AfterSigning(models.ActionCreateVault))
	assert.Equal(t, models.PhaseProving, plans.AfterSigning(models.ActionBurnZkUsd))

	invalid := []map[string][]string{
		{"unknownAction": {"BUILDING", "SIGNING"}},
		{"burnZkUsd": {"BUILDING", "SIGNING", "MINING"}},
		{"burnZkUsd": {"BUILDING", "SIGNING", "FAILED"}},
		{"burnZkUsd": {"SIGNING", "BUILDING"}},
		{"burnZkUsd": {"BUILDING", "SENDING"}},
		{"depositCollateral": {"BUILDING", "SIGNING", "SENDING"}},
		{"depositCollateral": {"BUILDING", "SIGNING", "PENDING_INCLUSION", "INCLUDED"}},
		{"mintZkUsd": {"BUILDING", "SIGNING", "PROVING", "SENDING", "PENDING_INCLUSION"}},
	}
	for _, raw := range invalid {
		_, err := ParsePhasePlans(raw)
		assert.Error(t, err, raw)
	}
}

func TestParsePhasePlans_CaseInsensitiveKeys(t *testing.T) {
	plans, err := ParsePhasePlans(map[string][]string{
		"createvault":      {"BUILDING", "SIGNING", "PROVING", "SENDING", "PENDING_INCLUSION", "INCLUDED"},
		"REDEEMCOLLATERAL": {"BUILDING", "SIGNING", "SENDING", "INCLUDED"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseProving, plans.AfterSigning(models.ActionCreateVault))
	assert.Equal(t, models.PhaseSending, plans.AfterSigning(models.ActionRedeemCollateral))
	assert.True(t, plans.Includes(models.ActionRedeemCollateral, models.PhaseIncluded))
	assert.False(t, plans.Includes(models.ActionRedeemCollateral, models.PhasePendingInclusion))
}
