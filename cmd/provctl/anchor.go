package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/batchledger/internal/anchor"
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Inspect and publish anchor commitments",
}

func init() {
	anchorCmd.AddCommand(anchorListCmd)
	anchorCmd.AddCommand(anchorPublishCmd)
	anchorCmd.AddCommand(anchorProofCmd)
}

var (
	anchorStatus string
	anchorLimit  int
)

var anchorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anchor receipts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		receipts, err := c.Anchors(cmd.Context(), anchorStatus, anchorLimit)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), receipts, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ANCHOR\tSTATUS\tBATCHES\tROOT\tSUBMITTED\tREFERENCE")
			for _, r := range receipts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.AnchorID, r.Status, len(r.DigestsCovered), shortHash(r.MerkleRoot),
					r.SubmittedAt.Format(time.RFC3339), r.ExternalReference)
			}
			return w.Flush()
		})
	},
}

func init() {
	anchorListCmd.Flags().StringVar(&anchorStatus, "status", "", "filter by status: pending, confirmed or unknown")
	anchorListCmd.Flags().IntVar(&anchorLimit, "limit", 0, "maximum receipts")
}

var anchorPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Anchor every changed batch head now (regulator only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		receipt, err := c.Publish(cmd.Context())
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if receipt == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No batch heads changed since the last anchor")
			return nil
		}
		return emit(cmd.OutOrStdout(), receipt, func(w io.Writer) error {
			fmt.Fprintf(w, "✓ Anchored %d batches\n", len(receipt.DigestsCovered))
			fmt.Fprintf(w, "  Anchor:    %s\n", receipt.AnchorID)
			fmt.Fprintf(w, "  Root:      %s\n", receipt.MerkleRoot)
			fmt.Fprintf(w, "  Reference: %s\n", receipt.ExternalReference)
			return nil
		})
	},
}

var anchorProofCmd = &cobra.Command{
	Use:   "proof <anchor-id> <batch-id>",
	Short: "Fetch and check the inclusion proof of a batch head in an anchor",
	Long: `Proof fetches the Merkle path of a batch head and recomputes the root
locally. The command fails when the path does not lead to the anchored root.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		proof, err := c.Proof(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		path := make([]anchor.ProofStep, len(proof.Path))
		for i, s := range proof.Path {
			path[i] = anchor.ProofStep{Hash: s.Hash, Left: s.Left}
		}
		leaf := anchor.LeafHash(proof.BatchID, proof.HeadHash)
		if leaf != proof.Leaf || !anchor.VerifyProof(leaf, proof.MerkleRoot, path) {
			return fmt.Errorf("proof for %s does not lead to root %s", proof.BatchID, proof.MerkleRoot)
		}
		return emit(cmd.OutOrStdout(), proof, func(w io.Writer) error {
			fmt.Fprintf(w, "✓ %s head %s is included in anchor %s\n", proof.BatchID, shortHash(proof.HeadHash), proof.AnchorID)
			fmt.Fprintf(w, "  Root:      %s (%s)\n", proof.MerkleRoot, proof.Status)
			fmt.Fprintf(w, "  Reference: %s\n", proof.ExternalReference)
			return nil
		})
	},
}
