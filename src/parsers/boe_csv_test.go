package parsers

import (
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestParseBoECSV(t *testing.T) {
	input := strings.Join([]string{
		`Date,"US dollar into Sterling"`,
		`"17 Mar 23","1.2151"`,
		`"20 Mar 23","1.2268"`,
		``,
		`"not a date","1.25"`,
		`"21 Mar 23","garbage"`,
		`"22 Mar 23","-1"`,
		`"20 Mar 23","9.9"`,
		`"01 Jan 99","1.5"`,
	}, "\n")

	p := NewBoERateParser()
	rates, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rates, 2, "only valid, in-range, first-seen rows survive")

	assert.Equal(t, "2023-03-17", rates[0].Date.Format("2006-01-02"))
	assert.True(t, rates[0].USDGBP.Equal(mustDec(t, "1.2151")))
	assert.Equal(t, "BoE daily spot 2023-03-17", rates[0].Description)
	assert.Equal(t, "Uploaded from BoE CSV", rates[0].Notes)

	assert.Equal(t, "2023-03-20", rates[1].Date.Format("2006-01-02"))
	assert.True(t, rates[1].USDGBP.Equal(mustDec(t, "1.2268")), "first row for a date wins, got %s", rates[1].USDGBP)
}

func TestParseBoECSVEmptyFile(t *testing.T) {
	p := NewBoERateParser()
	_, err := p.Parse(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty CSV")
}

func TestParseBoECSVHeaderOnly(t *testing.T) {
	p := NewBoERateParser()
	rates, err := p.Parse(strings.NewReader("Date,Rate\n"))
	require.NoError(t, err)
	assert.Empty(t, rates)
}
