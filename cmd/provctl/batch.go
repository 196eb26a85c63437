package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/batchledger/pkg/client"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create, advance and inspect batches",
}

func init() {
	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchAppendCmd)
	batchCmd.AddCommand(batchShowCmd)
	batchCmd.AddCommand(batchHistoryCmd)
	batchCmd.AddCommand(batchVerifyCmd)
	batchCmd.AddCommand(batchListCmd)
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createProduct string
	createRole    string
	createPayload string
)

var batchCreateCmd = &cobra.Command{
	Use:   "create [batch-id]",
	Short: "Open a batch with its genesis event",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := payloadArg(createPayload, cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		req := client.CreateRequest{Product: createProduct, Role: createRole, Payload: payload}
		if len(args) == 1 {
			req.BatchID = args[0]
		}
		res, err := c.CreateBatch(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
			fmt.Fprintf(w, "Batch %s created\n", res.Batch.ID)
			fmt.Fprintf(w, "  Head: %s (seq %d)\n", res.HeadHash, res.Sequence)
			return nil
		})
	},
}

func init() {
	batchCreateCmd.Flags().StringVar(&createProduct, "product", "", "product name (required)")
	batchCreateCmd.Flags().StringVar(&createRole, "role", "farmer", "role to act as")
	batchCreateCmd.Flags().StringVar(&createPayload, "payload", "", `genesis payload: JSON, @file or "-" for stdin`)
	_ = batchCreateCmd.MarkFlagRequired("product")
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendRole     string
	appendStage    string
	appendSubStage string
	appendPayload  string
	appendHead     string
	appendRetries  int
)

var batchAppendCmd = &cobra.Command{
	Use:   "append <batch-id>",
	Short: "Record the next stage event of a batch",
	Long: `Append proposes the next stage event of a batch.

With --head the event is committed only if that is still the batch head.
Without it the current head is read first and the append retried on
conflicting writes up to --retries times.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := payloadArg(appendPayload, cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		req := client.AppendRequest{
			Role:             appendRole,
			ProposedStage:    appendStage,
			SubStage:         appendSubStage,
			Payload:          payload,
			ExpectedHeadHash: appendHead,
		}

		var res *client.AppendResult
		if appendHead != "" {
			res, err = c.AppendEvent(cmd.Context(), args[0], req)
		} else {
			res, err = c.Advance(cmd.Context(), args[0], req, appendRetries)
		}
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
			stage := res.Event.Stage
			if res.Event.SubStage != "" {
				stage += "/" + res.Event.SubStage
			}
			fmt.Fprintf(w, "Recorded %s on %s\n", stage, args[0])
			fmt.Fprintf(w, "  Head: %s (seq %d)\n", res.HeadHash, res.Sequence)
			return nil
		})
	},
}

func init() {
	batchAppendCmd.Flags().StringVar(&appendRole, "role", "", "role to act as (required)")
	batchAppendCmd.Flags().StringVar(&appendStage, "stage", "", "proposed stage (required)")
	batchAppendCmd.Flags().StringVar(&appendSubStage, "sub-stage", "", "sub-stage within processing or quality_testing")
	batchAppendCmd.Flags().StringVar(&appendPayload, "payload", "", `event payload: JSON, @file or "-" for stdin`)
	batchAppendCmd.Flags().StringVar(&appendHead, "head", "", "expected head hash")
	batchAppendCmd.Flags().IntVar(&appendRetries, "retries", 3, "attempts on conflicting writes when --head is not set")
	_ = batchAppendCmd.MarkFlagRequired("role")
	_ = batchAppendCmd.MarkFlagRequired("stage")
}

// ── show ─────────────────────────────────────────────────────────────────────

var batchShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show the current head of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.GetBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), b, func(w io.Writer) error {
			fmt.Fprintf(w, "Batch:       %s\n", b.ID)
			fmt.Fprintf(w, "Product:     %s\n", b.Product)
			fmt.Fprintf(w, "Origin:      %s\n", b.OriginActorID)
			fmt.Fprintf(w, "Stage:       %s\n", stageLabel(b.CurrentStage, b.SubStage))
			fmt.Fprintf(w, "Head:        %s\n", b.HeadHash)
			fmt.Fprintf(w, "Sequence:    %d\n", b.Sequence)
			fmt.Fprintf(w, "Updated:     %s\n", b.UpdatedAt.Format(time.RFC3339))
			if b.Quarantined {
				fmt.Fprintln(w, "Quarantined: yes")
			}
			return nil
		})
	},
}

// ── history ──────────────────────────────────────────────────────────────────

var (
	historyFrom  int64
	historyLimit int
	historyAll   bool
)

var batchHistoryCmd = &cobra.Command{
	Use:   "history <batch-id>",
	Short: "List the stage events of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var events []client.Event
		from := historyFrom
		for {
			page, err := c.History(cmd.Context(), args[0], from, historyLimit)
			if err != nil {
				return err
			}
			events = append(events, page.Events...)
			if !historyAll || page.NextFrom == nil {
				break
			}
			from = *page.NextFrom
		}
		return emit(cmd.OutOrStdout(), events, func(w io.Writer) error {
			return printEvents(w, events)
		})
	},
}

func init() {
	batchHistoryCmd.Flags().Int64Var(&historyFrom, "from", 0, "first sequence number")
	batchHistoryCmd.Flags().IntVar(&historyLimit, "limit", 100, "events per page")
	batchHistoryCmd.Flags().BoolVar(&historyAll, "all", false, "follow pages to the end of the history")
}

func printEvents(out io.Writer, events []client.Event) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTAGE\tACTOR\tROLE\tTIME\tHASH")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence, stageLabel(e.Stage, e.SubStage), e.ActorID, e.Role,
			e.Timestamp.Format(time.RFC3339), shortHash(e.Hash))
	}
	return w.Flush()
}

// ── verify ───────────────────────────────────────────────────────────────────

var batchVerifyCmd = &cobra.Command{
	Use:   "verify <batch-id>",
	Short: "Re-walk the hash chain of a batch on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.Verify(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("verify %s: %w", args[0], err)
		}
		return emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
			fmt.Fprintf(w, "✓ %s intact: %d events, head %s\n", report.BatchID, report.Events, report.HeadHash)
			return nil
		})
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var listFilter client.Filter

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		batches, err := c.ListBatches(cmd.Context(), listFilter)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), batches, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BATCH\tPRODUCT\tSTAGE\tSEQ\tHEAD")
			for _, b := range batches {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					b.ID, b.Product, stageLabel(b.CurrentStage, b.SubStage), b.Sequence, shortHash(b.HeadHash))
			}
			return w.Flush()
		})
	},
}

func init() {
	addFilterFlags(batchListCmd, &listFilter, true)
}

func addFilterFlags(cmd *cobra.Command, f *client.Filter, paging bool) {
	cmd.Flags().StringVar(&f.Product, "product", "", "filter by product")
	cmd.Flags().StringVar(&f.Origin, "origin", "", "filter by origin actor")
	if paging {
		cmd.Flags().StringVar(&f.Stage, "stage", "", "filter by current stage")
		cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum batches")
		cmd.Flags().IntVar(&f.Offset, "offset", 0, "batches to skip")
	}
}

// ── summary ──────────────────────────────────────────────────────────────────

var summaryFilter client.Filter

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count batches per stage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Summaries(cmd.Context(), summaryFilter)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), s, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tBATCHES")
			for _, stage := range stageOrder {
				fmt.Fprintf(w, "%s\t%d\n", stage, s.ByStage[stage])
			}
			fmt.Fprintf(w, "total\t%d\n", s.Total)
			return w.Flush()
		})
	},
}

func init() {
	addFilterFlags(summaryCmd, &summaryFilter, false)
}

var stageOrder = []string{"created", "harvested", "processing", "quality_testing", "distribution", "delivered", "rejected"}

func stageLabel(stage, sub string) string {
	if sub == "" {
		return stage
	}
	return stage + "/" + sub
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
