package main

import (
	"github.com/spf13/cobra"

	"trapper-data-collection/internal/jobs"
	"trapper-data-collection/internal/models"
)

var dryRun bool

var (
	modifyCmd = jobCommand(jobs.JobModify, "Shift traps, update trap status and rename photos")
	shiftCmd  = jobCommand(jobs.JobShift, "Move traps without coordinates to their meso grid centroid")
	statusCmd = jobCommand(jobs.JobStatus, "Copy the latest trap check status onto each trap")
	photosCmd = jobCommand(jobs.JobAttachments, "Rename photos to the naming convention")
	reportCmd = jobCommand(jobs.JobReport, "Export the spreadsheet report and archive photos")
	pruneCmd  = jobCommand(jobs.JobCleanup, "Delete expired runs from the local ledger")
)

func init() {
	photosCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the planned renames without changing anything")
	rootCmd.AddCommand(modifyCmd, shiftCmd, statusCmd, photosCmd, reportCmd, pruneCmd)
}

func jobCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(name)
		},
	}
}

func runJob(name string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	_, err = a.runner.Run(ctx, name, models.TriggerCLI, dryRun && name == jobs.JobAttachments)
	return err
}
