package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/internal/market"
	"spotex.com/pkg/orm/ormtest"
	"spotex.com/pkg/xerr"
)

func TestSeedPairs(t *testing.T) {
	db := ormtest.NewSQLite(t, &market.TradingPair{})
	catalog := market.NewCachedCatalog(market.NewPairRepo(db), time.Minute)
	ctx := context.Background()
	seeds := []PairSeed{
		{Symbol: "btc-usdt", Base: "BTC", Quote: "USDT", MinOrderSize: "0.0001", MaxOrderSize: "100",
			PricePrecision: 2, QuantityPrecision: 4, MakerFeeRate: "0.001", TakerFeeRate: "0.002"},
		{Symbol: "ETH-USDT", Base: "ETH", Quote: "USDT", MinOrderSize: "0.01", PricePrecision: 2, QuantityPrecision: 4},
	}

	n, err := SeedPairs(ctx, catalog, seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 第二次什么都不建
	n, err = SeedPairs(ctx, catalog, seeds)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := catalog.FindBySymbol(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, "0.002", p.TakerFeeRate.String())

	_, err = SeedPairs(ctx, catalog, []PairSeed{{Symbol: "X-Y", Base: "X", Quote: "Y", TakerFeeRate: "abc"}})
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
	_, err = SeedPairs(ctx, catalog, []PairSeed{{Symbol: "X-Y"}})
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
}

func TestParseSeedDeposits(t *testing.T) {
	got, err := ParseSeedDeposits(" 1:usdt:1000, 2:BTC:0.5 ,")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].UserID)
	assert.Equal(t, "USDT", got[0].Asset)
	assert.True(t, d("0.5").Equal(got[1].Amount))

	for _, bad := range []string{"", "1:USDT", "x:USDT:1", "0:USDT:1", "1::1", "1:USDT:-1", "1:USDT:abc"} {
		_, err := ParseSeedDeposits(bad)
		assert.True(t, xerr.Is(err, xerr.RequestParamsError), "input %q", bad)
	}
}

func TestSeedDeposits(t *testing.T) {
	f := newFixture(t)
	ds, err := ParseSeedDeposits("1:USDT:1000,1:USDT:5,2:ETH:2")
	require.NoError(t, err)
	require.NoError(t, f.svc.SeedDeposits(context.Background(), "b1", ds))

	assert.True(t, d("1005").Equal(f.bal(alice, "USDT").Available))
	assert.True(t, d("2").Equal(f.bal(bob, "ETH").Available))
}
