package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/model"
	xmlparser "github.com/rezonia/nfe-service/internal/parser/xml"
	"github.com/rezonia/nfe-service/internal/storage"
)

var (
	distCreds   credentialFlags
	distParties []string
	distUF      string
	distEnv     int
	distDrain   bool
	distLastNSU string
	distNSU     string
	distKey     string
	distDecode  bool
	distReset   bool
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Fetch documents from the national distribution service",
	Long: `Query the national distribution service (NFeDistribuicaoDFe) for the
documents issued to or by a party.

By default one batch is fetched from the party's stored cursor, stored, and
the cursor advanced. --drain repeats until the party is drained, and accepts
several --party values which are drained concurrently.

--nsu and --key fetch a single document and leave the cursor alone.

When the authority reports the stored cursor is above its maximum NSU,
--reset moves the cursor to that maximum.

Examples:
  nfe-service distribute --party 11222333000181 --uf SP --cert company.pfx
  nfe-service distribute --party 11222333000181 --party 99888777000161 --uf SP --cert company.pfx --drain
  nfe-service distribute --party 11222333000181 --uf SP --cert company.pfx --key 3524...`,
	RunE: runDistribute,
}

func init() {
	rootCmd.AddCommand(distributeCmd)

	distCreds.register(distributeCmd)
	distributeCmd.Flags().StringSliceVar(&distParties, "party", nil, "CNPJ or CPF of the interested party (repeatable with --drain)")
	distributeCmd.Flags().StringVar(&distUF, "uf", "", "UF of the requesting party")
	distributeCmd.Flags().IntVar(&distEnv, "env", 1, "Environment: 1 production, 2 homologation")
	distributeCmd.Flags().BoolVar(&distDrain, "drain", false, "Fetch batches until the party is drained")
	distributeCmd.Flags().StringVar(&distLastNSU, "last-nsu", "", "Start from this NSU instead of the stored cursor")
	distributeCmd.Flags().StringVar(&distNSU, "nsu", "", "Fetch the single document with this NSU")
	distributeCmd.Flags().StringVar(&distKey, "key", "", "Fetch the document with this access key")
	distributeCmd.Flags().BoolVar(&distDecode, "decode", false, "Decode fetched documents into summaries")
	distributeCmd.Flags().BoolVar(&distReset, "reset", false, "Reset the cursor when the authority rejects it")
	_ = distributeCmd.MarkFlagRequired("party")
	_ = distributeCmd.MarkFlagRequired("uf")
	distributeCmd.MarkFlagsMutuallyExclusive("drain", "nsu", "key")
}

func runDistribute(cmd *cobra.Command, args []string) error {
	uf, err := model.ParseUF(distUF)
	if err != nil {
		return err
	}
	env, err := model.ParseEnvironment(strconv.Itoa(distEnv))
	if err != nil {
		return err
	}
	if !distDrain && len(distParties) > 1 {
		return fmt.Errorf("several parties require --drain")
	}
	if distReset && len(distParties) > 1 {
		return fmt.Errorf("--reset works on one party at a time")
	}

	m, err := distCreds.load()
	if err != nil {
		return err
	}
	defer m.Destroy()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := newClient(nil)
	if err != nil {
		return err
	}
	syncer := distribution.NewSynchronizer(client, cfg.DistributionSettings(), distribution.WithLogger(logger))
	cursors := store.Distribution()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	reqs := make([]distribution.Request, 0, len(distParties))
	for _, p := range distParties {
		reqs = append(reqs, distribution.Request{Party: p, UF: uf, Environment: env, Material: m})
	}

	if distDrain {
		results, err := syncer.SyncAll(ctx, reqs, cursors)
		if outputFormat == "json" {
			if perr := printJSON(results); perr != nil {
				return perr
			}
		} else {
			for _, r := range results {
				printDrainResult(r)
			}
		}
		return resetOnInvalid(ctx, cursors, reqs[0], err)
	}

	req := reqs[0]
	var batch *model.DistributionBatch
	switch {
	case distKey != "":
		batch, err = syncer.QueryAccessKey(ctx, req, model.AccessKey(distKey))
	case distNSU != "":
		nsu, perr := model.ParseNSU(distNSU)
		if perr != nil {
			return perr
		}
		batch, err = syncer.QueryNSU(ctx, req, nsu)
	default:
		batch, err = queryFromCursor(ctx, syncer, cursors, req)
	}
	if err != nil {
		return resetOnInvalid(ctx, cursors, req, err)
	}

	var summaries []*xmlparser.Summary
	if distDecode {
		summaries = syncer.Decode(ctx, xmlparser.NewRegistry(), batch)
	}

	if outputFormat == "json" {
		return printJSON(struct {
			Batch     *model.DistributionBatch `json:"batch"`
			Summaries []*xmlparser.Summary     `json:"summaries,omitempty"`
		}{batch, summaries})
	}
	printBatch(batch, summaries)
	return nil
}

// queryFromCursor fetches one batch and persists it before moving the cursor
func queryFromCursor(ctx context.Context, syncer *distribution.Synchronizer, cursors *storage.DistributionStore, req distribution.Request) (*model.DistributionBatch, error) {
	cursor, err := cursors.LoadCursor(ctx, model.OnlyDigits(req.Party), req.Environment)
	if err != nil {
		return nil, err
	}
	if distLastNSU != "" {
		if cursor, err = model.ParseNSU(distLastNSU); err != nil {
			return nil, err
		}
	}
	req.Cursor = cursor
	printVerbose("Querying %s from NSU %s\n", req.Party, cursor)

	batch, err := syncer.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(batch.Documents) > 0 {
		if _, err := cursors.StoreBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("failed to store batch: %w", err)
		}
	}
	if batch.NextCursor > batch.Cursor {
		if err := cursors.AdvanceCursor(ctx, batch.Party, batch.Environment, batch.NextCursor, batch.MaxNSU); err != nil {
			return nil, fmt.Errorf("failed to advance cursor: %w", err)
		}
	}
	return batch, nil
}

func resetOnInvalid(ctx context.Context, cursors *storage.DistributionStore, req distribution.Request, err error) error {
	var ic *model.InvalidCursor
	if err == nil || !distReset || !errors.As(err, &ic) {
		return err
	}
	party := model.OnlyDigits(req.Party)
	if rerr := cursors.ResetCursor(ctx, party, req.Environment, ic.MaxNSU); rerr != nil {
		return errors.Join(err, rerr)
	}
	logger.Warn("distribution cursor reset",
		zap.String("party", party),
		zap.String("from", ic.Cursor.String()),
		zap.String("to", ic.MaxNSU.String()),
	)
	fmt.Printf("Cursor of %s reset to %s, run again to continue\n", party, ic.MaxNSU)
	return nil
}

func printDrainResult(r *distribution.DrainResult) {
	if r == nil {
		return
	}
	status := "✓"
	if !r.Drained {
		status = "…"
	}
	fmt.Printf("%s %s: %d document(s) in %d batch(es)\n", status, r.Party, r.Documents, r.Batches)
	fmt.Printf("  Cursor:  %s\n", r.Cursor)
	fmt.Printf("  Max NSU: %s\n", r.MaxNSU)
	if !r.Drained {
		fmt.Printf("  More documents pending, run again\n")
	}
}

func printBatch(b *model.DistributionBatch, summaries []*xmlparser.Summary) {
	fmt.Printf("%s: %d %s\n", b.Party, b.Code, b.Reason)
	fmt.Printf("  State:   %s\n", b.State)
	fmt.Printf("  Cursor:  %s -> %s\n", b.Cursor, b.NextCursor)
	fmt.Printf("  Max NSU: %s\n", b.MaxNSU)
	fmt.Printf("  Documents: %d\n", len(b.Documents))
	if len(summaries) == 0 {
		for _, d := range b.Documents {
			fmt.Printf("    %s  %s\n", d.NSU, d.Schema)
		}
		return
	}
	for _, s := range summaries {
		fmt.Printf("    %s  %-14s %s  %s  %s\n", s.NSU, s.Kind, s.AccessKey, s.Total.StringFixed(2), s.IssuerName)
	}
}
