package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// NewInitDBCommand initdb 子命令
func NewInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "create the capture store and its schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			sqliteCfg := cfg.Database.SQLite
			sqliteCfg.CreateIfMissing = true
			store, err := database.Open(sqliteCfg)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.WithFields(logrus.Fields{"path": store.Path()}).Info("capture store ready")
			cmd.Println(store.Path())
			return nil
		},
	}
}

// NewRecordsCommand records 子命令
func NewRecordsCommand() *cobra.Command {
	var (
		address  string
		deviceID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "list stored captures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := database.Open(cfg.Database.SQLite)
			if err != nil {
				return err
			}
			defer store.Close()

			records, total, err := store.ListRecords(cmd.Context(), database.RecordFilter{
				Address:  address,
				DeviceID: deviceID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tDEVICE ID\tCAPTURED AT\tHASH")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.12s\n", r.ID, r.Address, r.DeviceID, r.CapturedAt.Format("2006-01-02 15:04:05"), r.OutputHash)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			cmd.Printf("%d of %d records\n", len(records), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "only records captured from this address")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "only records with this identifier")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
