package main

import (
	"fmt"
	"strconv"

	"filerelay/pkg/gate"
	"filerelay/pkg/packer"
	"filerelay/pkg/types"
	"filerelay/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	rowStyle = lipgloss.NewStyle().Padding(0, 1)
)

func listCmd() *cobra.Command {
	var userID int64
	var folderFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := types.ParseFolder(folderFlag)
			if err != nil {
				return err
			}
			_, svc, logger, err := buildCore()
			if err != nil {
				return err
			}
			defer logger.Sync()

			files, err := svc.ListFiles(types.UserID(userID), folder)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println(mutedStyle.Render("No files."))
				return nil
			}

			tbl := table.New().
				Border(lipgloss.NormalBorder()).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return headerStyle
					}
					return rowStyle
				})
			tbl.Headers("#", "NAME", "SIZE", "URL")
			for _, f := range files {
				tbl.Row(
					strconv.Itoa(f.Number),
					f.OriginalName,
					utils.FormatDataSize(f.Size),
					f.URL,
				)
			}
			fmt.Println(tbl.Render())
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&folderFlag, "folder", "f", string(types.Downloads), "folder (downloads|packed)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func packCmd() *cobra.Command {
	var userID int64
	var splitFlag string

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Bundle a user's downloads into a zip archive",
		Long: `Builds an uncompressed zip of every file in the user's downloads
folder. With --split the archive is cut into raw byte parts that
reassemble with plain concatenation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, logger, err := buildCore()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var partSize int64
			if splitFlag != "" {
				partSize, err = utils.ParseDataSize(splitFlag)
				if err != nil {
					return fmt.Errorf("invalid --split value: %w", err)
				}
				if partSize <= 0 {
					return fmt.Errorf("invalid --split value: must be positive")
				}
			}

			g := gate.New(cfg.MaxConcurrentPacks, cfg.MaxCPUPercent, logger)
			p := packer.New(svc, g, cfg.MaxPartSizeBytes(), logger)

			results, err := p.Pack(types.UserID(userID), partSize)
			if err != nil {
				return err
			}

			fmt.Printf("Packed %d file(s) into %d artifact(s):\n",
				results[0].TotalSourceFiles, len(results))
			for _, res := range results {
				fmt.Printf("  %s  %.2f MB\n  %s\n", res.Filename, res.SizeMB, mutedStyle.Render(res.URL))
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&splitFlag, "split", "s", "", "split into parts of this size (e.g. 100MB)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func rmCmd() *cobra.Command {
	var userID int64
	var number int
	var all bool
	var folderFlag string

	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete one file by number, or all files in a folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := types.ParseFolder(folderFlag)
			if err != nil {
				return err
			}
			_, svc, logger, err := buildCore()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if all {
				removed, err := svc.DeleteAllFiles(types.UserID(userID), folder)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d file(s) from %s.\n", removed, folder)
				return nil
			}
			if number <= 0 {
				return fmt.Errorf("either --number or --all is required")
			}
			if err := svc.DeleteFile(types.UserID(userID), number, folder); err != nil {
				return err
			}
			fmt.Printf("Deleted file #%d. Remaining files were renumbered.\n", number)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().IntVarP(&number, "number", "n", 0, "file number to delete")
	cmd.Flags().BoolVar(&all, "all", false, "delete every file in the folder")
	cmd.Flags().StringVarP(&folderFlag, "folder", "f", string(types.Downloads), "folder (downloads|packed)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func usageCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show a user's total storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, logger, err := buildCore()
			if err != nil {
				return err
			}
			defer logger.Sync()

			used, err := svc.StorageUsed(types.UserID(userID))
			if err != nil {
				return err
			}
			fmt.Printf("User %d uses %s\n", userID, utils.FormatDataSize(used))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id")
	cmd.MarkFlagRequired("user")
	return cmd
}
