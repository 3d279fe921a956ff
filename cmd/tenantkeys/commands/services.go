package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/pkg/adapter"
)

func NewServicesCommand(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List supported provider services",
		RunE: func(cmd *cobra.Command, args []string) error {
			var baseURLs map[string]string
			if err := cfg.Load(); err == nil && cfg.Definition != nil {
				baseURLs = cfg.Definition.BaseURLs()
			}

			registry, err := adapter.NewRegistry(adapter.BuiltinWithBaseURLs(baseURLs)...)
			if err != nil {
				return err
			}

			type row struct {
				ID           string `json:"id"`
				ServiceName  string `json:"service_name"`
				SecretPrefix string `json:"secret_prefix"`
				Provision    bool   `json:"provision"`
				Rotate       bool   `json:"rotate"`
			}
			rows := make([]row, 0, len(registry.IDs()))
			for _, d := range registry.List() {
				caps, _ := registry.Capabilities(d.ID)
				rows = append(rows, row{
					ID:           d.ID,
					ServiceName:  d.ServiceName,
					SecretPrefix: d.SecretPrefix,
					Provision:    caps.Provision,
					Rotate:       caps.Rotate,
				})
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "ID\tNAME\tSECRET PREFIX\tPROVISION\tROTATE\n")
			for _, r := range rows {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ServiceName, r.SecretPrefix, yesNo(r.Provision), yesNo(r.Rotate))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
