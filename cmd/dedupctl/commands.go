package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/workoutdedup/internal/domain"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load users, workouts and their relations from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ds, err := readDataset(f)
			if err != nil {
				return err
			}

			store, _, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Import(cmd.Context(), ds)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "imported %d users, %d planned workouts, %d workouts, %d streams, %d exercises\n",
				stats.Users, stats.PlannedWorkouts, stats.Workouts, stats.Streams, stats.Exercises)
			return nil
		},
	}
}

func newGroupsCmd(opts *rootOptions) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "groups <user id or email>",
		Short: "Show the duplicate groups a run would merge, without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := runRequest(args[0], since)
			if err != nil {
				return err
			}

			store, service, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			groups, err := service.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}
			printGroups(opts, groups)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only consider workouts on or after this date (YYYY-MM-DD)")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "run <user id or email>",
		Short: "Merge duplicate workouts for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := runRequest(args[0], since)
			if err != nil {
				return err
			}

			store, service, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := service.Run(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("run %s: %w", summary.RunID, err)
			}

			fmt.Fprintf(opts.stdout, "run %s\n", summary.RunID)
			fmt.Fprintf(opts.stdout, "  duplicate groups found:    %d\n", summary.DuplicateGroupsFound)
			fmt.Fprintf(opts.stdout, "  workouts marked duplicate: %d\n", summary.WorkoutsMarkedDuplicate)
			fmt.Fprintf(opts.stdout, "  workouts kept canonical:   %d\n", summary.WorkoutsKeptCanonical)
			fmt.Fprintf(opts.stdout, "  fields filled:             %d\n", summary.FieldsFilled)
			if summary.MergeStepFailures > 0 {
				fmt.Fprintf(opts.stdout, "  merge step failures:       %d\n", summary.MergeStepFailures)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only consider workouts on or after this date (YYYY-MM-DD)")
	return cmd
}

func runRequest(userRef, since string) (domain.RunRequest, error) {
	req := domain.RunRequest{UserRef: userRef}
	if since == "" {
		return req, nil
	}
	t, err := time.Parse(time.DateOnly, since)
	if err != nil {
		return req, fmt.Errorf("--since must be YYYY-MM-DD: %w", err)
	}
	req.Since = t
	return req, nil
}

func printGroups(opts *rootOptions, groups []domain.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(opts.stdout, "no duplicate groups")
		return
	}

	tw := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tROLE\tWORKOUT\tSOURCE\tTYPE\tSTART\tDURATION\tSCORE")
	for i, g := range groups {
		for j, w := range g.Members {
			role := "duplicate"
			if j == 0 {
				role = "canonical"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				i+1, role, w.ID, w.Source, w.Type,
				w.Date.UTC().Format(time.DateTime),
				(time.Duration(w.DurationSec) * time.Second).String(),
				g.Scores[w.ID])
		}
	}
	tw.Flush()
}
