package vault

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"tbc/observability/metrics"
)

type parquetReceipt struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID       string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer         string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller        string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CounterAmount string `parquet:"name=counter_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mode          string `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProofHash     string `parquet:"name=proof_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64  `parquet:"name=timestamp, type=INT64"`
}

// ExportParquet writes every receipt in v to a snappy-compressed parquet file
// at path, ordered by timestamp. It returns the number of rows written.
func ExportParquet(ctx context.Context, v Vault, path string) (int, error) {
	rows, err := exportParquet(ctx, v, path)
	metrics.Ledger().RecordExport(rows, err)
	return rows, err
}

func exportParquet(ctx context.Context, v Vault, path string) (int, error) {
	receipts, err := v.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault: list receipts: %w", err)
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		if receipts[i].Timestamp != receipts[j].Timestamp {
			return receipts[i].Timestamp < receipts[j].Timestamp
		}
		return receipts[i].ID < receipts[j].ID
	})
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("vault: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetReceipt), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("vault: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range receipts {
		row := &parquetReceipt{
			ID:            r.ID,
			OrderID:       r.OrderID,
			Buyer:         r.Buyer,
			Seller:        r.Seller,
			Amount:        r.Amount,
			CounterAmount: r.CounterAmount,
			Mode:          r.Mode,
			ProofHash:     r.ProofHash,
			Timestamp:     r.Timestamp,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("vault: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("vault: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("vault: close parquet file: %w", err)
	}
	return len(receipts), nil
}
