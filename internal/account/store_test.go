package account

import (
	"errors"
	"sync"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-router/internal/config"
)

func fp(v float64) *float64 { return &v }

func TestGetUnknownKeyReturnsEmpty(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)

	st := s.Get("FTMO", 1)
	assert.True(t, st.IsEmpty())
	assert.Nil(t, st.Equity)
	assert.Nil(t, st.Paused)
}

func TestUpdateMergesFields(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)

	s.Update("ftmo", 1, State{Equity: fp(10000)})
	s.Update("FTMO", 1, State{DayPnL: fp(-250)})

	st := s.Get("Ftmo", 1)
	require.NotNil(t, st.Equity)
	require.NotNil(t, st.DayPnL)
	assert.Equal(t, 10000.0, *st.Equity)
	assert.Equal(t, -250.0, *st.DayPnL)
	assert.NotNil(t, st.LastUpdate)

	other := s.Get("FTMO", 2)
	assert.True(t, other.IsEmpty())
}

func TestUpdateIgnoresEmptyMetrics(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)
	s.Update("FTMO", 1, State{})
	assert.True(t, s.Get("FTMO", 1).IsEmpty())
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)
	s.Update("FTMO", 1, State{Equity: fp(5000)})

	st := s.Get("FTMO", 1)
	*st.Equity = 1

	again := s.Get("FTMO", 1)
	assert.Equal(t, 5000.0, *again.Equity)
}

func TestSetField(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)

	require.NoError(t, s.SetField("APEX", 3, "paused", true))
	require.NoError(t, s.SetField("APEX", 3, "equity", "9000.5"))

	st := s.Get("APEX", 3)
	assert.True(t, st.IsPaused())
	assert.Equal(t, 9000.5, *st.Equity)
	assert.NotNil(t, st.LastUpdate)

	assert.Error(t, s.SetField("APEX", 3, "leverage", 2))
	assert.Error(t, s.SetField("APEX", 3, "equity", "abc"))
}

func TestLoadFromEnv(t *testing.T) {
	lookup := config.MapLookup(map[string]string{
		"ACCOUNT_FTMO_1_EQUITY":           "9000",
		"ACCOUNT_FTMO_1_STARTING_BALANCE": "10000",
		"ACCOUNT_FTMO_1_DAY_PNL":          "not-a-number",
	})
	s := NewStore(lookup, nil)

	found := s.LoadFromEnv("ftmo", 1)
	require.NotNil(t, found.Equity)
	assert.Equal(t, 9000.0, *found.Equity)
	assert.Equal(t, 10000.0, *found.StartingBalance)
	assert.Nil(t, found.DayPnL)
	assert.Equal(t, SourceEnv, found.Source)

	st := s.Get("FTMO", 1)
	assert.Equal(t, 9000.0, *st.Equity)

	assert.True(t, s.LoadFromEnv("FTMO", 2).IsEmpty())
	assert.True(t, s.Get("FTMO", 2).IsEmpty())
}

func TestSnapshotFallsBackToEnv(t *testing.T) {
	lookup := config.MapLookup(map[string]string{"ACCOUNT_TOPSTEP_4_EQUITY": "48000"})
	s := NewStore(lookup, nil)

	st := s.Snapshot("TOPSTEP", 4)
	require.NotNil(t, st.Equity)
	assert.Equal(t, 48000.0, *st.Equity)

	s.Update("TOPSTEP", 4, State{Equity: fp(47000)})
	assert.Equal(t, 47000.0, *s.Snapshot("TOPSTEP", 4).Equity)
}

func TestSnapshotFillsEnvFieldsAfterLiveWrites(t *testing.T) {
	lookup := config.MapLookup(map[string]string{
		"ACCOUNT_HL_1_EQUITY":           "50000",
		"ACCOUNT_HL_1_STARTING_BALANCE": "10000",
		"ACCOUNT_HL_1_PEAK_EQUITY":      "10500",
	})
	s := NewStore(lookup, nil)

	syncer := NewBalanceSyncer(s, nil, nil)
	client := &fakeBalanceClient{balances: ccxt.Balances{Total: map[string]*float64{"USDC": fp(9000)}}}
	require.NoError(t, syncer.Sync(Target{Firm: "HL", Program: 1, Client: client}))

	st := s.Snapshot("HL", 1)
	require.NotNil(t, st.Equity)
	assert.Equal(t, 9000.0, *st.Equity)
	require.NotNil(t, st.StartingBalance)
	assert.Equal(t, 10000.0, *st.StartingBalance)
	require.NotNil(t, st.PeakEquity)
	assert.Equal(t, 10500.0, *st.PeakEquity)
	assert.Equal(t, SourceCCXT, st.Source)

	// 环境变量只导入一次
	s.Update("HL", 1, State{StartingBalance: fp(12000)})
	assert.Equal(t, 12000.0, *s.Snapshot("HL", 1).StartingBalance)
}

func TestSnapshotFillsEnvFieldsAfterSetField(t *testing.T) {
	lookup := config.MapLookup(map[string]string{"ACCOUNT_FTMO_2_STARTING_BALANCE": "100000"})
	s := NewStore(lookup, nil)

	require.NoError(t, s.SetField("FTMO", 2, "paused", false))

	st := s.Snapshot("FTMO", 2)
	require.NotNil(t, st.StartingBalance)
	assert.Equal(t, 100000.0, *st.StartingBalance)
	require.NotNil(t, st.Paused)
	assert.False(t, *st.Paused)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(config.MapLookup(nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update("MFFU", 1, State{Equity: fp(float64(i))})
			_ = s.Get("MFFU", 1)
			_ = s.SetField("MFFU", 1, "drawdown", i)
		}(i)
	}
	wg.Wait()

	st := s.Get("MFFU", 1)
	assert.NotNil(t, st.Equity)
	assert.NotNil(t, st.Drawdown)
}

type fakeBalanceClient struct {
	balances ccxt.Balances
	err      error
}

func (f *fakeBalanceClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return f.balances, f.err
}

func TestBalanceSyncerSync(t *testing.T) {
	store := NewStore(config.MapLookup(nil), nil)
	client := &fakeBalanceClient{balances: ccxt.Balances{
		Total: map[string]*float64{"USDC": fp(25000)},
		Info: map[string]interface{}{
			"marginSummary": map[string]interface{}{"accountValue": "25150.5"},
		},
	}}

	syncer := NewBalanceSyncer(store, nil, nil)
	require.NoError(t, syncer.Sync(Target{Firm: "HL", Program: 1, Client: client}))

	st := store.Get("HL", 1)
	require.NotNil(t, st.Equity)
	assert.Equal(t, 25150.5, *st.Equity)
	assert.Equal(t, 25000.0, *st.Balance)
	assert.Equal(t, SourceCCXT, st.Source)
	assert.Nil(t, st.DayPnL)
}

func TestBalanceSyncerErrors(t *testing.T) {
	store := NewStore(config.MapLookup(nil), nil)
	syncer := NewBalanceSyncer(store, nil, nil)

	err := syncer.Sync(Target{Firm: "HL", Program: 1, Client: &fakeBalanceClient{err: errors.New("boom")}})
	assert.Error(t, err)
	assert.Error(t, syncer.Sync(Target{Firm: "HL", Program: 1}))
	assert.True(t, store.Get("HL", 1).IsEmpty())
}
