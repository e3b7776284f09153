package settlement

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportCreditsCSV writes the auditor's applied credits as CSV. Columns:
// credit_id, settlement_id, payout_id, provider, amount, height.
func ExportCreditsCSV(w io.Writer, auditor *Auditor) error {
	writer := csv.NewWriter(w)
	header := []string{"credit_id", "settlement_id", "payout_id", "provider", "amount", "height"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	for _, record := range auditor.Credits() {
		row := []string{
			record.CreditID,
			record.SettlementID,
			record.PayoutID,
			string(record.Provider),
			record.Amount.String(),
			strconv.FormatUint(record.Height, 10),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("settlement: write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ExportPlanCSV writes a settlement plan's transfers as CSV. Accepted rows
// precede rejected rows; the original deterministic order is preserved.
func ExportPlanCSV(w io.Writer, plan *Plan) error {
	writer := csv.NewWriter(w)
	header := []string{"epoch", "decision", "class", "address", "amount"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	epochIdx := strconv.FormatUint(plan.EpochIdx, 10)
	write := func(decision string, transfers []Transfer) error {
		for _, transfer := range transfers {
			row := []string{epochIdx, decision, string(transfer.Class), transfer.Address, transfer.Amount.String()}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("settlement: write csv row: %w", err)
			}
		}
		return nil
	}
	if err := write("accepted", plan.Accepted); err != nil {
		return err
	}
	if err := write("rejected", plan.Rejected); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
