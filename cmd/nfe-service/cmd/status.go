package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/model"
)

var (
	statusCreds credentialFlags
	statusUFs   []string
	statusEnv   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check authority status services",
	Long: `Ask one or more authorities (NFeStatusServico4) whether they are in
operation. Exits with an error when any of them is not.

Examples:
  nfe-service status --uf SP --cert company.pfx
  nfe-service status --uf SP,MG,RS --env 1 --cert company.pfx -f json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCreds.register(statusCmd)
	statusCmd.Flags().StringSliceVar(&statusUFs, "uf", nil, "UF(s) to check")
	statusCmd.Flags().IntVar(&statusEnv, "env", 2, "Environment: 1 production, 2 homologation")
	_ = statusCmd.MarkFlagRequired("uf")
}

// statusLine is one checked authority
type statusLine struct {
	UF     model.UF             `json:"uf"`
	Status *model.ServiceStatus `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := model.ParseEnvironment(strconv.Itoa(statusEnv))
	if err != nil {
		return err
	}
	ufs := make([]model.UF, 0, len(statusUFs))
	for _, s := range statusUFs {
		uf, err := model.ParseUF(s)
		if err != nil {
			return err
		}
		ufs = append(ufs, uf)
	}

	m, err := statusCreds.load()
	if err != nil {
		return err
	}
	defer m.Destroy()

	client, err := newClient(nil)
	if err != nil {
		return err
	}

	lines := make([]statusLine, 0, len(ufs))
	healthy := true
	for _, uf := range ufs {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		st, err := client.ServiceStatus(ctx, m, uf, env)
		cancel()

		line := statusLine{UF: uf, Status: st}
		if err != nil {
			line.Error = err.Error()
		}
		if err != nil || !st.Operational() {
			healthy = false
		}
		lines = append(lines, line)
	}

	if outputFormat == "json" {
		if err := printJSON(lines); err != nil {
			return err
		}
	} else {
		for _, l := range lines {
			switch {
			case l.Error != "":
				fmt.Printf("✗ %s: %s\n", l.UF, l.Error)
			case l.Status.Operational():
				fmt.Printf("✓ %s: %d %s (avg %s)\n", l.UF, l.Status.Code, l.Status.Reason, l.Status.AverageTime)
			default:
				fmt.Printf("✗ %s: %d %s\n", l.UF, l.Status.Code, l.Status.Reason)
			}
		}
	}

	if !healthy {
		return fmt.Errorf("one or more authorities are not in operation")
	}
	return nil
}
