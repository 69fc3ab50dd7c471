package repository

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var pnlHeader = []string{"trade_id", "symbol", "side", "price", "size", "fee", "realized_pnl", "created_at"}

// WritePnLReport 以 CSV 导出全部成交，新的在前
func (r *Repository) WritePnLReport(ctx context.Context, w io.Writer) error {
	var trades []Trade
	if err := r.db.WithContext(ctx).Order("created_at desc, id desc").Find(&trades).Error; err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(pnlHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.TradeID,
			t.Symbol,
			t.Side,
			formatFloat(t.Price),
			formatFloat(t.Size),
			formatFloat(t.Fee),
			formatFloat(t.RealizedPnL),
			t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
