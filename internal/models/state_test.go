package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimestampRoundTrip verifies that timestamps survive JSON encoding as UTC strings.
func TestTimestampRoundTrip(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	original := NewTimestamp(time.Date(2024, 3, 15, 9, 30, 1, 123456789, loc))

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-15T01:30:01.123456Z"`, string(data), "timestamps are encoded in UTC with microsecond precision")

	var decoded Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded.Time))
	assert.Equal(t, time.UTC, decoded.Location())
}

// TestTimestampZero verifies the zero value encodes as an empty string and back.
func TestTimestampZero(t *testing.T) {
	data, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))

	var decoded Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.IsZero())
}

// TestTimestampRejectsNumbers verifies that non-string encodings are refused.
func TestTimestampRejectsNumbers(t *testing.T) {
	var decoded Timestamp
	assert.Error(t, json.Unmarshal([]byte(`1710466201`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`"15/03/2024"`), &decoded))
}

// TestBotStateRoundTrip verifies the persisted record keeps every field across encode/decode.
func TestBotStateRoundTrip(t *testing.T) {
	tick := NewTimestamp(time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC))
	state := &BotState{
		SchemaVersion: StateSchemaVersion,
		Version:       42,
		BotID:         "bot-1",
		Symbol:        "ETHUSDT",
		RunState:      StatePaused,
		Grid:          GridSpec{Lower: decimal.RequireFromString("3000"), Upper: decimal.RequireFromString("4000"), Count: 10},
		GridLevels: []GridLevel{
			{Index: 0, Price: decimal.RequireFromString("3000"), Status: LevelEmpty, Armed: true},
			{
				Index:         1,
				Price:         decimal.RequireFromString("3100"),
				Status:        LevelSellPending,
				ClientOrderID: "gbabc1x2",
				OrderID:       "987",
				OrderPrice:    decimal.RequireFromString("3200"),
				EntryPrice:    decimal.RequireFromString("3099.5"),
				Amount:        decimal.RequireFromString("0.01"),
				Sequence:      2,
				UpdatedAt:     tick,
			},
		},
		Position: Position{
			HeldAmount:  decimal.RequireFromString("0.01"),
			AverageCost: decimal.RequireFromString("3099.5"),
			RealizedPnL: decimal.RequireFromString("-1.25"),
			GridsHeld:   1,
		},
		RiskState: RiskState{
			PeakEquity:        decimal.RequireFromString("1000.5"),
			DailyPnL:          decimal.RequireFromString("-3.2"),
			DailyStartEquity:  decimal.RequireFromString("1003.7"),
			ConsecutiveLosses: 2,
			Day:               "2024-03-15",
		},
		LastTickAt: tick,
		SavedAt:    tick,
	}

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"last_tick_at":"2024-03-15T23:59:59Z"`)
	assert.Contains(t, string(data), `"price":"3100"`, "decimals are encoded as strings")

	var decoded BotState
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, state.Version, decoded.Version)
	assert.Equal(t, state.RunState, decoded.RunState)
	require.Len(t, decoded.GridLevels, 2)
	assert.True(t, decoded.GridLevels[0].Armed)
	assert.False(t, decoded.GridLevels[1].Armed)
	level := decoded.GridLevels[1]
	assert.Equal(t, LevelSellPending, level.Status)
	assert.Equal(t, "gbabc1x2", level.ClientOrderID)
	assert.True(t, level.EntryPrice.Equal(decimal.RequireFromString("3099.5")))
	assert.True(t, level.UpdatedAt.Equal(tick.Time))
	assert.True(t, decoded.RiskState.DailyPnL.Equal(decimal.RequireFromString("-3.2")))
	assert.True(t, decoded.LastTickAt.Equal(tick.Time))
}

// TestBotStateClone verifies that the clone does not share the levels slice.
func TestBotStateClone(t *testing.T) {
	state := &BotState{GridLevels: []GridLevel{{Index: 0, Status: LevelEmpty}}}
	c := state.Clone()
	c.GridLevels[0].Status = LevelHolding
	assert.Equal(t, LevelEmpty, state.GridLevels[0].Status)
	assert.Nil(t, (*BotState)(nil).Clone())
}
