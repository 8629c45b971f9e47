package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/installment-engine/export"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// SWEEP
// =============================================================================

func (a *app) sweepCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark lapsed obligations and their plans overdue",
		Long: "Runs one overdue sweep. Safe to run repeatedly: a second run with " +
			"the same date changes nothing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := a.engine.Clock().Now()
			if asOf != "" {
				t, err := parseDate(asOf)
				if err != nil {
					return err
				}
				now = t
			}
			report, err := a.engine.Tick(cmd.Context(), now)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "as of %s: scanned %d plans, %d obligations and %d plans now overdue\n",
				report.AsOf.Format(time.RFC3339), report.PlansScanned,
				report.ObligationsTransitioned, report.PlansTransitioned)
			if len(report.Failed) > 0 {
				ids := make([]string, 0, len(report.Failed))
				for id := range report.Failed {
					ids = append(ids, string(id))
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(out, "  failed %s: %v\n", id, report.Failed[installment.PlanID(id)])
				}
				return fmt.Errorf("%d plans failed", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "sweep as of this date (YYYY-MM-DD or RFC3339), default now")
	return cmd
}

// =============================================================================
// PLAN
// =============================================================================

func (a *app) planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create, pay, settle and inspect plans",
	}
	cmd.AddCommand(a.planCreateCmd(), a.planListCmd(), a.planShowCmd(), a.planPayCmd(), a.planSettleCmd())
	return cmd
}

func (a *app) planCreateCmd() *cobra.Command {
	var customer, store, price, down, rate, formula, start string
	var months int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan and its schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := installment.ParseMoney(price)
			if err != nil {
				return err
			}
			d := installment.Money(0)
			if down != "" {
				if d, err = installment.ParseMoney(down); err != nil {
					return err
				}
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", rate, err)
			}
			in := installment.CreatePlanInput{
				CustomerID: installment.CustomerID(customer),
				StoreID:    installment.StoreID(store),
				Terms: installment.Terms{
					ProductPrice: p,
					DownPayment:  d,
					Rate:         r,
					Months:       months,
					Formula:      installment.Formula(formula),
				},
			}
			if start != "" {
				if in.StartDate, err = parseDate(start); err != nil {
					return err
				}
			}

			l, err := a.engine.CreatePlan(cmd.Context(), in)
			if err != nil {
				return err
			}
			printLedger(cmd.OutOrStdout(), l)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&customer, "customer", "", "customer id")
	f.StringVar(&store, "store", "", "store id")
	f.StringVar(&price, "price", "", "product price, e.g. 1000000.00")
	f.StringVar(&down, "down", "", "down payment")
	f.StringVar(&rate, "rate", "", "interest rate in percent")
	f.IntVar(&months, "months", 0, "number of monthly installments")
	f.StringVar(&formula, "formula", "", "flat or simple (default from config)")
	f.StringVar(&start, "start", "", "start date YYYY-MM-DD (default today)")
	for _, name := range []string{"customer", "store", "price", "rate", "months"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) planListCmd() *cobra.Command {
	var customer, store, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := installment.PlanFilter{
				CustomerID: installment.CustomerID(customer),
				StoreID:    installment.StoreID(store),
				Limit:      limit,
			}
			if status != "" {
				s, err := installment.ParsePlanStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			plans, err := a.engine.ListPlans(cmd.Context(), f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCUSTOMER\tSTORE\tSTATUS\tTOTAL\tMONTHLY\tSTART")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.CustomerID, p.StoreID, p.Status,
					p.TotalPayable, p.MonthlyPayment, p.StartDate.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer id")
	cmd.Flags().StringVar(&store, "store", "", "filter by store id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func (a *app) planShowCmd() *cobra.Command {
	var xlsx string
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Print a plan's schedule, optionally writing it as .xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.engine.GetPlan(cmd.Context(), installment.PlanID(args[0]))
			if err != nil {
				return err
			}
			printLedger(cmd.OutOrStdout(), l)

			if xlsx == "" {
				return nil
			}
			buf, err := export.ScheduleWorkbook(l, a.engine.Clock().Now())
			if err != nil {
				return err
			}
			if err := os.WriteFile(xlsx, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", xlsx)
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsx, "xlsx", "", "also write the schedule workbook to this file")
	return cmd
}

func (a *app) planPayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <plan-id> <amount>",
		Short: "Allocate a payment to a plan",
		Long:  "Allocates cash oldest obligation first. Not idempotent: running it twice pays twice.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := installment.ParseMoney(args[1])
			if err != nil {
				return err
			}
			res, err := a.engine.AllocatePayment(cmd.Context(), installment.PlanID(args[0]), amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s in %d entries, %d obligations settled, outstanding %s, unapplied %s, plan %s\n",
				amount.Sub(res.Unapplied), len(res.NewEntries), len(res.Settled),
				res.Outstanding, res.Unapplied, res.Ledger.Plan.Status)
			return nil
		},
	}
}

func (a *app) planSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <plan-id>",
		Short: "Settle a plan early for its remaining principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.engine.SettleEarly(cmd.Context(), installment.PlanID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled: remaining principal %s, new total %s, %d obligations cancelled\n",
				res.RemainingPrincipal, res.NewTotalPayable, len(res.Cancelled))
			return nil
		},
	}
}

// =============================================================================
// CUSTOMERS AND BLACKLIST
// =============================================================================

func (a *app) customerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "customer", Short: "Manage the customer directory"}

	var store, name, phone string
	add := &cobra.Command{
		Use:   "add <customer-id>",
		Short: "Create or update a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := installment.Customer{
				ID:      installment.CustomerID(args[0]),
				StoreID: installment.StoreID(store),
				Name:    name,
				Phone:   phone,
			}
			if err := a.store.SaveCustomer(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved customer %s at %s\n", c.ID, c.StoreID)
			return nil
		},
	}
	add.Flags().StringVar(&store, "store", "", "store id")
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&phone, "phone", "", "phone number")
	_ = add.MarkFlagRequired("store")
	_ = add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}

func (a *app) blacklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blacklist", Short: "Block or unblock customers"}

	var store string
	storeID := func() installment.StoreID {
		if store == "" {
			return installment.AnyStore
		}
		return installment.StoreID(store)
	}

	add := &cobra.Command{
		Use:   "add <customer-id>",
		Short: "Blacklist a customer (all stores unless --store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := installment.CustomerID(args[0])
			if err := a.store.AddToBlacklist(cmd.Context(), id, storeID()); err != nil {
				return err
			}
			return a.invalidate(cmd.Context(), id)
		},
	}
	remove := &cobra.Command{
		Use:   "remove <customer-id>",
		Short: "Remove a blacklist row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := installment.CustomerID(args[0])
			if err := a.store.RemoveFromBlacklist(cmd.Context(), id, storeID()); err != nil {
				return err
			}
			return a.invalidate(cmd.Context(), id)
		},
	}
	for _, c := range []*cobra.Command{add, remove} {
		c.Flags().StringVar(&store, "store", "", "store id, default every store")
	}

	cmd.AddCommand(add, remove)
	return cmd
}

// =============================================================================
// OUTPUT
// =============================================================================

func printLedger(w io.Writer, l installment.PlanLedger) {
	p := l.Plan
	fmt.Fprintf(w, "plan %s  customer %s  store %s  status %s\n", p.ID, p.CustomerID, p.StoreID, p.Status)
	fmt.Fprintf(w, "total %s  monthly %s  paid %s  outstanding %s\n",
		p.TotalPayable, p.MonthlyPayment, l.TotalEntries(), l.Outstanding())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tDUE\tAMOUNT\tPAID\tSTATUS")
	for _, o := range l.Obligations {
		seq := fmt.Sprint(o.Sequence)
		if o.Category == installment.CategoryEarlyPayoff {
			seq = "payoff"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", seq, o.DueDate.Format("2006-01-02"), o.Amount, o.Covered(), o.Status)
	}
	tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}
