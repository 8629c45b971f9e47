// Package export renders plan ledgers as spreadsheets for back-office staff.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/warp/installment-engine/installment"
	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet  = "Summary"
	ScheduleSheet = "Schedule"
	PaymentsSheet = "Payments"
)

const dateLayout = "2006-01-02"

// builtin number format 4: #,##0.00
const moneyNumFmt = 4

type scheduleColumn struct {
	Header string
	Money  bool
	Value  func(o installment.Obligation) any
}

var scheduleColumns = []scheduleColumn{
	{Header: "#", Value: func(o installment.Obligation) any { return o.Sequence }},
	{Header: "Category", Value: func(o installment.Obligation) any { return string(o.Category) }},
	{Header: "Due date", Value: func(o installment.Obligation) any { return o.DueDate.Format(dateLayout) }},
	{Header: "Amount", Money: true, Value: func(o installment.Obligation) any { return major(o.Amount) }},
	{Header: "Paid", Money: true, Value: func(o installment.Obligation) any { return major(o.Covered()) }},
	{Header: "Remaining", Money: true, Value: func(o installment.Obligation) any { return major(o.Remaining()) }},
	{Header: "Status", Value: func(o installment.Obligation) any { return string(o.Status) }},
	{Header: "Paid at", Value: func(o installment.Obligation) any {
		if o.PaidAt == nil {
			return ""
		}
		return o.PaidAt.Format(dateLayout)
	}},
}

// ScheduleWorkbook writes the plan header, its obligations and every
// settlement entry into a three-sheet .xlsx file.
func ScheduleWorkbook(l installment.PlanLedger, generatedAt time.Time) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(ScheduleSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(PaymentsSheet); err != nil {
		return nil, err
	}
	_ = f.SetDocProps(&excelize.DocProperties{
		Title:   fmt.Sprintf("Plan %s", l.Plan.ID),
		Created: generatedAt.UTC().Format(time.RFC3339),
	})

	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: moneyNumFmt})
	if err != nil {
		return nil, err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	if err := writeSummary(f, l, moneyStyle, headerStyle); err != nil {
		return nil, fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeSchedule(f, l, moneyStyle, headerStyle); err != nil {
		return nil, fmt.Errorf("schedule sheet: %w", err)
	}
	if err := writePayments(f, l, moneyStyle, headerStyle); err != nil {
		return nil, fmt.Errorf("payments sheet: %w", err)
	}

	return f.WriteToBuffer()
}

func writeSummary(f *excelize.File, l installment.PlanLedger, moneyStyle, headerStyle int) error {
	p := l.Plan
	var paid installment.Money
	for _, o := range l.Obligations {
		paid += o.Covered()
	}
	rows := []struct {
		Label string
		Value any
		Money bool
	}{
		{"Plan", string(p.ID), false},
		{"Customer", string(p.CustomerID), false},
		{"Store", string(p.StoreID), false},
		{"Status", string(p.Status), false},
		{"Product price", major(p.Terms.ProductPrice), true},
		{"Down payment", major(p.Terms.DownPayment), true},
		{"Rate %", p.Terms.Rate.String(), false},
		{"Months", p.Terms.Months, false},
		{"Formula", string(p.Terms.Formula), false},
		{"Total payable", major(p.TotalPayable), true},
		{"Monthly payment", major(p.MonthlyPayment), true},
		{"Paid to date", major(paid), true},
		{"Start date", p.StartDate.Format(dateLayout), false},
	}
	for i, r := range rows {
		label, _ := excelize.CoordinatesToCellName(1, i+1)
		value, _ := excelize.CoordinatesToCellName(2, i+1)
		if err := f.SetCellValue(SummarySheet, label, r.Label); err != nil {
			return err
		}
		if err := f.SetCellValue(SummarySheet, value, r.Value); err != nil {
			return err
		}
		if r.Money {
			if err := f.SetCellStyle(SummarySheet, value, value, moneyStyle); err != nil {
				return err
			}
		}
	}
	return f.SetColWidth(SummarySheet, "A", "B", 20)
}

func writeSchedule(f *excelize.File, l installment.PlanLedger, moneyStyle, headerStyle int) error {
	for i, col := range scheduleColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(ScheduleSheet, cell, col.Header); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(scheduleColumns), 1)
	if err := f.SetCellStyle(ScheduleSheet, "A1", last, headerStyle); err != nil {
		return err
	}

	rowIdx := 2
	for _, o := range l.Obligations {
		for colIdx, col := range scheduleColumns {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
			if err := f.SetCellValue(ScheduleSheet, cell, col.Value(o)); err != nil {
				return err
			}
			if col.Money {
				if err := f.SetCellStyle(ScheduleSheet, cell, cell, moneyStyle); err != nil {
					return err
				}
			}
		}
		rowIdx++
	}
	return f.SetColWidth(ScheduleSheet, "A", "H", 14)
}

func writePayments(f *excelize.File, l installment.PlanLedger, moneyStyle, headerStyle int) error {
	headers := []string{"Entry", "Obligation #", "Amount", "Recorded at"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(PaymentsSheet, cell, h); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(PaymentsSheet, "A1", "D1", headerStyle); err != nil {
		return err
	}

	rowIdx := 2
	for _, o := range l.Obligations {
		for _, e := range o.Entries {
			values := []any{string(e.ID), o.Sequence, major(e.Amount), e.RecordedAt.UTC().Format(time.RFC3339)}
			for colIdx, v := range values {
				cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
				if err := f.SetCellValue(PaymentsSheet, cell, v); err != nil {
					return err
				}
			}
			amount, _ := excelize.CoordinatesToCellName(3, rowIdx)
			if err := f.SetCellStyle(PaymentsSheet, amount, amount, moneyStyle); err != nil {
				return err
			}
			rowIdx++
		}
	}
	return f.SetColWidth(PaymentsSheet, "A", "D", 22)
}

// major converts to a float for display only; ledger arithmetic never
// reads these values back.
func major(m installment.Money) float64 {
	return m.Decimal().InexactFloat64()
}
