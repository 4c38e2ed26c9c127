package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/optimization"
	"github.com/MRamiBalles/devjails/internal/platform/timefmt"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [jails|areas|prisoners|stats]",
	Short: "List stored state without starting the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		what := "stats"
		if len(args) == 1 {
			what = args[0]
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		gw, err := storage.Open(cfg.Storage, optimization.LowResourceConfig(), log)
		if err != nil {
			return err
		}
		defer gw.Close()

		ctx := context.Background()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()

		switch what {
		case "jails":
			list, err := storage.LoadAllJails(ctx, gw, log)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(list)
			}
			fmt.Fprintln(tw, "NAME\tWORLD\tSPAWN\tBINDING\tAREA")
			for _, j := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.Name, j.World(), j.Spawn, j.Binding, j.AreaRef)
			}
		case "areas":
			list, err := storage.LoadAllAreas(ctx, gw, log)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(list)
			}
			fmt.Fprintln(tw, "NAME\tWORLD\tMIN\tMAX")
			for _, a := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.World, a.Region.Min, a.Region.Max)
			}
		case "prisoners":
			list, err := storage.LoadAllPrisoners(ctx, gw, cfg.PersistOnlineTime, log)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(list)
			}
			now := time.Now()
			fmt.Fprintln(tw, "SUBJECT\tJAIL\tREASON\tSTAFF\tREMAINING\tBAIL")
			for _, p := range list {
				remaining := "permanent"
				if rem, ok := p.Remaining(now); ok {
					remaining = timefmt.Format(rem)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n", p.SubjectID, p.JailName, p.Reason, p.Staff, remaining, p.Bail())
			}
		case "stats":
			st, err := storage.CollectStats(ctx, gw)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Fprintf(tw, "backend\t%s\nhealthy\t%t\njails\t%d\nareas\t%d\nprisoners\t%d\n",
				st.Backend, st.Healthy, st.Jails, st.Areas, st.Prisoners)
		default:
			return fmt.Errorf("unknown target %q (want jails, areas, prisoners or stats)", what)
		}
		return nil
	},
}

var configWritePath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configWritePath != "" {
			return config.Save(configWritePath, cfg)
		}
		return printYAML(cfg)
	},
}

func init() {
	configCmd.Flags().StringVar(&configWritePath, "write", "", "write the effective configuration to this path instead of stdout")
	rootCmd.AddCommand(inspectCmd, configCmd)
}
