package handlers

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	database.InitDB(":memory:")
	os.Exit(m.Run())
}

func storedRate(t *testing.T, date string) string {
	t.Helper()
	var rate string
	err := database.DB.QueryRow("SELECT usd_gbp FROM exchange_rates WHERE date = ?", date).Scan(&rate)
	require.NoError(t, err)
	return rate
}

func TestInsertRateIfAbsentSkipsExistingDates(t *testing.T) {
	_, err := database.DB.Exec("DELETE FROM exchange_rates")
	require.NoError(t, err)

	created, err := insertRateIfAbsent("2024-06-10", "BoE", decimal.NewFromFloat(1.25), "")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = insertRateIfAbsent("2024-06-10", "BoE", decimal.NewFromFloat(1.30), "")
	require.NoError(t, err)
	assert.False(t, created, "second upload of the same date must be skipped")
	assert.Equal(t, "1.25", storedRate(t, "2024-06-10"), "stored rate must not be overwritten by an upload")

	var count int
	err = database.DB.QueryRow("SELECT COUNT(*) FROM exchange_rates WHERE date = '2024-06-10'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertRateByDateOverwrites(t *testing.T) {
	_, err := database.DB.Exec("DELETE FROM exchange_rates")
	require.NoError(t, err)

	id, created, err := upsertRateByDate("2024-06-10", "manual", decimal.NewFromFloat(1.25), "")
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := upsertRateByDate("2024-06-10", "manual", decimal.NewFromFloat(1.30), "corrected")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)
	assert.Equal(t, "1.3", storedRate(t, "2024-06-10"))
}
