package dex

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cfmmsync/internal/chain"
	"cfmmsync/internal/pool"
)

func testAddr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func cpDex(t *testing.T) *Dex {
	t.Helper()
	d, err := New("testswap", pool.VariantConstantProduct, testAddr(0xF0), 10, Params{DefaultFeeBips: 30})
	if err != nil {
		t.Fatalf("build dex: %v", err)
	}
	return d
}

func clDex(t *testing.T, tiers map[uint32]int32) *Dex {
	t.Helper()
	d, err := New("testswap-v3", pool.VariantConcentratedLiquidity, testAddr(0xF1), 10, Params{FeeTiers: tiers})
	if err != nil {
		t.Fatalf("build dex: %v", err)
	}
	return d
}

func pairCreatedLog(t *testing.T, factory, token0, token1, pair common.Address, block uint64) types.Log {
	t.Helper()
	parsed, err := FactoryABI()
	if err != nil {
		t.Fatalf("factory abi: %v", err)
	}
	event := parsed.Events["PairCreated"]
	data, err := event.Inputs.NonIndexed().Pack(pair, big.NewInt(1))
	if err != nil {
		t.Fatalf("pack PairCreated data: %v", err)
	}
	return types.Log{
		Address:     factory,
		Topics:      []common.Hash{event.ID, addrTopic(token0), addrTopic(token1)},
		Data:        data,
		BlockNumber: block,
	}
}

func poolCreatedLog(t *testing.T, factory, token0, token1, poolAddr common.Address, feeUnits uint64, tickSpacing int64, block uint64) types.Log {
	t.Helper()
	parsed, err := FactoryABI()
	if err != nil {
		t.Fatalf("factory abi: %v", err)
	}
	event := parsed.Events["PoolCreated"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(tickSpacing), poolAddr)
	if err != nil {
		t.Fatalf("pack PoolCreated data: %v", err)
	}
	return types.Log{
		Address: factory,
		Topics: []common.Hash{
			event.ID,
			addrTopic(token0),
			addrTopic(token1),
			common.BigToHash(new(big.Int).SetUint64(feeUnits)),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func TestDecodeCreatedPairs(t *testing.T) {
	d := cpDex(t)
	logs := []types.Log{
		pairCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xA1), 100),
		pairCreatedLog(t, d.Factory, testAddr(0x03), testAddr(0x04), testAddr(0xA2), 105),
	}

	ids, warnings := d.DecodeCreated(logs)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(ids))
	}
	if ids[0].Address != testAddr(0xA1) || ids[0].Token0 != testAddr(0x01) || ids[0].Token1 != testAddr(0x02) {
		t.Fatalf("wrong first identity: %+v", ids[0])
	}
	if ids[0].FeeBips != 30 {
		t.Fatalf("expected default fee 30 bips, got %d", ids[0].FeeBips)
	}
	if ids[0].Block != 100 || ids[1].Block != 105 {
		t.Fatalf("wrong block numbers: %d, %d", ids[0].Block, ids[1].Block)
	}
}

func TestDecodeCreatedRejectsNonCanonicalOrder(t *testing.T) {
	d := cpDex(t)
	logs := []types.Log{
		pairCreatedLog(t, d.Factory, testAddr(0x02), testAddr(0x01), testAddr(0xA1), 100),
		pairCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xA2), 101),
	}

	ids, warnings := d.DecodeCreated(logs)
	if len(ids) != 1 || ids[0].Address != testAddr(0xA2) {
		t.Fatalf("expected only the canonical pair, got %+v", ids)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
}

func TestDecodeCreatedMalformedLogBecomesWarning(t *testing.T) {
	d := cpDex(t)
	good := pairCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xA1), 100)
	bad := good
	bad.Topics = bad.Topics[:2] // indexed token1 missing

	ids, warnings := d.DecodeCreated([]types.Log{bad, good})
	if len(ids) != 1 {
		t.Fatalf("expected the good log to survive, got %d identities", len(ids))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
}

func TestDecodeCreatedPools(t *testing.T) {
	d := clDex(t, map[uint32]int32{3000: 60})
	logs := []types.Log{
		poolCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xB1), 3000, 60, 200),
	}

	ids, warnings := d.DecodeCreated(logs)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(ids))
	}
	// 3000 hundredths of a bip is 30 bips.
	if ids[0].FeeBips != 30 {
		t.Fatalf("expected 30 bips, got %d", ids[0].FeeBips)
	}
	if ids[0].TickSpacing != 60 {
		t.Fatalf("expected tick spacing 60, got %d", ids[0].TickSpacing)
	}
}

func TestDecodeCreatedPoolWarnings(t *testing.T) {
	d := clDex(t, map[uint32]int32{3000: 60})

	// A fee tier that is not a whole number of bips.
	odd := poolCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xB1), 3050, 60, 200)
	// Tick spacing contradicting the tier table.
	wrongSpacing := poolCreatedLog(t, d.Factory, testAddr(0x01), testAddr(0x02), testAddr(0xB2), 3000, 10, 201)

	ids, warnings := d.DecodeCreated([]types.Log{odd, wrongSpacing})
	if len(ids) != 0 {
		t.Fatalf("expected no identities, got %d", len(ids))
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(warnings))
	}
}

func TestCallsPerPool(t *testing.T) {
	if got := cpDex(t).CallsPerPool(); got != 1 {
		t.Fatalf("constant product: got %d calls per pool", got)
	}
	if got := clDex(t, nil).CallsPerPool(); got != 2 {
		t.Fatalf("concentrated liquidity: got %d calls per pool", got)
	}
}

func TestStateCallsTargetThePool(t *testing.T) {
	id := PoolIdentity{Address: testAddr(0xA1), Token0: testAddr(0x01), Token1: testAddr(0x02), FeeBips: 30}

	calls, err := cpDex(t).StateCalls(id)
	if err != nil {
		t.Fatalf("state calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Target != id.Address {
		t.Fatalf("unexpected calls: %+v", calls)
	}

	calls, err = clDex(t, nil).StateCalls(id)
	if err != nil {
		t.Fatalf("state calls: %v", err)
	}
	if len(calls) != 2 || calls[0].Target != id.Address || calls[1].Target != id.Address {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func reservesResult(t *testing.T, reserve0, reserve1 int64) chain.CallResult {
	t.Helper()
	parsed, err := PairABI()
	if err != nil {
		t.Fatalf("pair abi: %v", err)
	}
	data, err := parsed.Methods["getReserves"].Outputs.Pack(big.NewInt(reserve0), big.NewInt(reserve1), uint32(0))
	if err != nil {
		t.Fatalf("pack reserves: %v", err)
	}
	return chain.CallResult{Success: true, ReturnData: data}
}

func TestDecodeStateSkipsFailedPool(t *testing.T) {
	d := cpDex(t)

	ids := make([]PoolIdentity, 0, 10)
	results := make([]chain.CallResult, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, PoolIdentity{
			Address: testAddr(0xA0 + byte(i)),
			Token0:  testAddr(0x01),
			Token1:  testAddr(0x02),
			FeeBips: 30,
		})
		if i == 4 {
			results = append(results, chain.CallResult{Success: false})
			continue
		}
		results = append(results, reservesResult(t, int64(1000+i), 2000))
	}

	pools, warnings := d.DecodeState(ids, results)
	if len(pools) != 9 {
		t.Fatalf("expected 9 pools, got %d", len(pools))
	}
	if len(warnings) != 1 || warnings[0].Pool != ids[4].Address {
		t.Fatalf("expected 1 warning for pool %s, got %+v", ids[4].Address.Hex(), warnings)
	}
	if pools[0].Reserve0.Int64() != 1000 || pools[8].Reserve0.Int64() != 1009 {
		t.Fatalf("decode order not preserved: %v ... %v", pools[0].Reserve0, pools[8].Reserve0)
	}
}

func TestDecodeStateCountMismatch(t *testing.T) {
	d := cpDex(t)
	ids := []PoolIdentity{{Address: testAddr(0xA1), Token0: testAddr(0x01), Token1: testAddr(0x02)}}

	pools, warnings := d.DecodeState(ids, nil)
	if len(pools) != 0 || len(warnings) != 1 {
		t.Fatalf("expected a single warning, got pools=%d warnings=%d", len(pools), len(warnings))
	}
}

func slot0Result(t *testing.T, sqrtPrice *big.Int, tick int64) chain.CallResult {
	t.Helper()
	parsed, err := CLPoolABI()
	if err != nil {
		t.Fatalf("pool abi: %v", err)
	}
	data, err := parsed.Methods["slot0"].Outputs.Pack(
		sqrtPrice, big.NewInt(tick), uint16(0), uint16(0), uint16(0), uint8(0), true,
	)
	if err != nil {
		t.Fatalf("pack slot0: %v", err)
	}
	return chain.CallResult{Success: true, ReturnData: data}
}

func liquidityResult(t *testing.T, liquidity *big.Int) chain.CallResult {
	t.Helper()
	parsed, err := CLPoolABI()
	if err != nil {
		t.Fatalf("pool abi: %v", err)
	}
	data, err := parsed.Methods["liquidity"].Outputs.Pack(liquidity)
	if err != nil {
		t.Fatalf("pack liquidity: %v", err)
	}
	return chain.CallResult{Success: true, ReturnData: data}
}

func TestDecodeStateConcentrated(t *testing.T) {
	d := clDex(t, nil)
	id := PoolIdentity{
		Address:     testAddr(0xB1),
		Token0:      testAddr(0x01),
		Token1:      testAddr(0x02),
		FeeBips:     30,
		TickSpacing: 60,
	}
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)

	pools, warnings := d.DecodeState(
		[]PoolIdentity{id},
		[]chain.CallResult{slot0Result(t, sqrtPrice, -120), liquidityResult(t, big.NewInt(777))},
	)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(pools))
	}
	p := pools[0]
	if p.SqrtPriceX96.Cmp(sqrtPrice) != 0 || p.CurrentTick != -120 || p.Liquidity.Int64() != 777 {
		t.Fatalf("wrong decoded state: %+v", p)
	}
	if p.Ticks == nil {
		t.Fatal("ticks map not initialized")
	}
}

func TestTickCallsWindow(t *testing.T) {
	d := clDex(t, nil)
	p := &pool.Pool{
		Address:     testAddr(0xB1),
		Variant:     pool.VariantConcentratedLiquidity,
		CurrentTick: 7,
		TickSpacing: 10,
	}

	ticks, calls, err := d.TickCalls(p, 2)
	if err != nil {
		t.Fatalf("tick calls: %v", err)
	}
	want := []int32{-20, -10, 0, 10, 20}
	if len(ticks) != len(want) || len(calls) != len(want) {
		t.Fatalf("expected %d ticks, got %d ticks and %d calls", len(want), len(ticks), len(calls))
	}
	for i, tick := range want {
		if ticks[i] != tick {
			t.Fatalf("tick %d: expected %d, got %d", i, tick, ticks[i])
		}
		if calls[i].Target != p.Address {
			t.Fatalf("call %d targets %s", i, calls[i].Target.Hex())
		}
	}
}

func TestTickCallsNegativeTickRoundsDown(t *testing.T) {
	d := clDex(t, nil)
	p := &pool.Pool{
		Address:     testAddr(0xB1),
		Variant:     pool.VariantConcentratedLiquidity,
		CurrentTick: -7,
		TickSpacing: 10,
	}

	ticks, _, err := d.TickCalls(p, 1)
	if err != nil {
		t.Fatalf("tick calls: %v", err)
	}
	want := []int32{-20, -10, 0}
	if len(ticks) != len(want) {
		t.Fatalf("expected %v, got %v", want, ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ticks)
		}
	}
}

func tickResult(t *testing.T, liquidityNet int64, initialized bool) chain.CallResult {
	t.Helper()
	parsed, err := CLPoolABI()
	if err != nil {
		t.Fatalf("pool abi: %v", err)
	}
	data, err := parsed.Methods["ticks"].Outputs.Pack(
		big.NewInt(0), big.NewInt(liquidityNet), big.NewInt(0), big.NewInt(0),
		big.NewInt(0), big.NewInt(0), uint32(0), initialized,
	)
	if err != nil {
		t.Fatalf("pack ticks: %v", err)
	}
	return chain.CallResult{Success: true, ReturnData: data}
}

func TestApplyTicks(t *testing.T) {
	d := clDex(t, nil)
	p := &pool.Pool{
		Address:     testAddr(0xB1),
		Variant:     pool.VariantConcentratedLiquidity,
		CurrentTick: 0,
		TickSpacing: 10,
		Ticks:       make(map[int32]*big.Int),
	}

	ticks := []int32{-10, 0, 10}
	results := []chain.CallResult{
		tickResult(t, 500, true),
		tickResult(t, 0, false), // not initialized, skipped
		tickResult(t, -250, true),
	}

	warnings := d.ApplyTicks(p, ticks, results)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(p.Ticks) != 2 {
		t.Fatalf("expected 2 installed ticks, got %d", len(p.Ticks))
	}
	if p.Ticks[-10].Int64() != 500 || p.Ticks[10].Int64() != -250 {
		t.Fatalf("wrong net liquidity: %v", p.Ticks)
	}
}

func TestApplyTicksRevertedCallBecomesWarning(t *testing.T) {
	d := clDex(t, nil)
	p := &pool.Pool{
		Address: testAddr(0xB1),
		Variant: pool.VariantConcentratedLiquidity,
		Ticks:   make(map[int32]*big.Int),
	}

	warnings := d.ApplyTicks(p, []int32{10}, []chain.CallResult{{Success: false}})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	if len(p.Ticks) != 0 {
		t.Fatalf("reverted tick installed: %v", p.Ticks)
	}
}

func TestFloorDiv(t *testing.T) {
	cases := []struct {
		a, b, want int32
	}{
		{7, 10, 0},
		{-7, 10, -1},
		{-10, 10, -1},
		{10, 10, 1},
		{-15, 10, -2},
	}
	for _, tc := range cases {
		if got := floorDiv(tc.a, tc.b); got != tc.want {
			t.Errorf("floorDiv(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
