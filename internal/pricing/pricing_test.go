package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/errs"
)

func testTable() *Table {
	return NewTable([]config.PricingRow{
		{TaskType: "video_motion", BillingType: "per_unit", UnitPrice: 10, Unit: "second", MinUnit: 5},
		{TaskType: "audio_tts", BillingType: "per_token", UnitPrice: 1, Unit: "token", MinUnit: 100},
		{TaskType: "image_to_image", BillingType: "per_unit", UnitPrice: 50, Unit: "piece", MinUnit: 1},
	})
}

func TestCost(t *testing.T) {
	tbl := testTable()

	cases := []struct {
		name     string
		taskType string
		usage    float64
		want     int64
	}{
		{"above floor", "video_motion", 12, 120},
		{"below floor bills the floor", "video_motion", 2, 50},
		{"exactly the floor", "video_motion", 5, 50},
		{"fractional usage rounds up", "video_motion", 7.3, 73},
		{"token floor", "audio_tts", 40, 100},
		{"per piece", "image_to_image", 3, 150},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tbl.Cost(tc.taskType, tc.usage)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCostUnknownType(t *testing.T) {
	tbl := testTable()
	_, err := tbl.Cost("video_style_transfer", 10)
	assert.ErrorIs(t, err, errs.ErrPricingUnavailable)
}

func TestRuleLookup(t *testing.T) {
	tbl := testTable()

	r, err := tbl.Rule("audio_tts")
	require.NoError(t, err)
	assert.Equal(t, BillingPerToken, r.BillingType)
	assert.Equal(t, int64(100), r.MinUnit)

	_, err = tbl.Rule("nope")
	assert.ErrorIs(t, err, errs.ErrPricingUnavailable)
}
