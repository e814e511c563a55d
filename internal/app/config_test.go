package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/masterdata"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", t.TempDir()+"/missing.env")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0 2 * * 1", cfg.StorageCron)
	require.Equal(t, "0.01", cfg.ReconcileTolerance)
	require.False(t, cfg.IsProduction())

	policy := cfg.RetryPolicy()
	require.Equal(t, uint(5), policy.MaxTries)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("ENV_FILE", t.TempDir()+"/missing.env")
	t.Setenv("RECONCILE_TOLERANCE", "-1")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("RECONCILE_TOLERANCE", "0.05")
	t.Setenv("STORAGE_RATE_MATCH", "regex")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "STORAGE_RATE_MATCH")
}

func TestStorageMatcher(t *testing.T) {
	byName := (&Config{StorageRateMatch: "substring", StorageRateName: "pallet"}).StorageMatcher()
	require.True(t, byName(masterdata.CostRate{Name: "Weekly Pallet Storage"}))

	byUOM := (&Config{StorageRateMatch: "uom", StorageRateName: "pallet/week"}).StorageMatcher()
	require.True(t, byUOM(masterdata.CostRate{Name: "Storage", UnitOfMeasure: "Pallet/Week"}))
	require.False(t, byUOM(masterdata.CostRate{Name: "Pallet storage", UnitOfMeasure: "carton"}))
}

func TestInTestModeReadsEnvironment(t *testing.T) {
	t.Setenv(TestModeEnv, "")
	require.False(t, InTestMode())

	t.Setenv(TestModeEnv, "1")
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "true")
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "yes please")
	require.False(t, InTestMode())
}
