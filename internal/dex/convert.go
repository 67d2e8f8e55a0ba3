package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cfmmsync/internal/pool"
)

func asBigInt(value any) (*big.Int, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", value)
	}
	return v, nil
}

func asAddress(value any) (common.Address, error) {
	v, ok := value.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("expected address, got %T", value)
	}
	return v, nil
}

func int24FromBig(v *big.Int) (int32, error) {
	if !v.IsInt64() {
		return 0, fmt.Errorf("value %s does not fit int24", v)
	}
	n := v.Int64()
	if n < int64(pool.MinTick) || n > int64(pool.MaxTick) {
		return 0, fmt.Errorf("tick %d out of range", n)
	}
	return int32(n), nil
}
