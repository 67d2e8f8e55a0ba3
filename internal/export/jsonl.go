// Package export writes committed pool-set snapshots for downstream
// pricing and analytics consumers that do not talk to the registry
// in-process.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cfmmsync/internal/pool"
)

// PoolRecord is the JSONL representation of one pool's state. Amounts
// are decimal strings so no integer precision is lost in transit.
type PoolRecord struct {
	Address      string `json:"address"`
	Token0       string `json:"token0"`
	Token1       string `json:"token1"`
	Dex          string `json:"dex"`
	Variant      string `json:"variant"`
	FeeBips      uint32 `json:"fee_bips"`
	Reserve0     string `json:"reserve0,omitempty"`
	Reserve1     string `json:"reserve1,omitempty"`
	SqrtPriceX96 string `json:"sqrt_price_x96,omitempty"`
	Tick         int32  `json:"tick,omitempty"`
	Liquidity    string `json:"liquidity,omitempty"`
	SyncedBlock  uint64 `json:"synced_block"`
}

func newPoolRecord(p *pool.Pool, syncedBlock uint64) PoolRecord {
	record := PoolRecord{
		Address:     p.Address.Hex(),
		Token0:      p.Token0.Hex(),
		Token1:      p.Token1.Hex(),
		Dex:         p.DexID,
		Variant:     p.Variant.String(),
		FeeBips:     p.FeeBips,
		SyncedBlock: syncedBlock,
	}
	switch p.Variant {
	case pool.VariantConstantProduct:
		record.Reserve0 = p.Reserve0.String()
		record.Reserve1 = p.Reserve1.String()
	case pool.VariantConcentratedLiquidity:
		record.SqrtPriceX96 = p.SqrtPriceX96.String()
		record.Tick = p.CurrentTick
		record.Liquidity = p.Liquidity.String()
	}
	return record
}

// JsonlWriter writes pool snapshots to a JSONL file, truncating on each
// snapshot so the file always holds exactly one consistent set.
type JsonlWriter struct {
	path string
	mu   sync.Mutex
}

func NewJsonlWriter(path string) *JsonlWriter {
	return &JsonlWriter{path: path}
}

// WriteSnapshot replaces the file contents with the given pool set.
func (w *JsonlWriter) WriteSnapshot(pools []*pool.Pool, syncedBlock uint64) error {
	dir := filepath.Dir(w.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, p := range pools {
		line, err := json.Marshal(newPoolRecord(p, syncedBlock))
		if err != nil {
			return fmt.Errorf("marshal pool record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write pool record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
