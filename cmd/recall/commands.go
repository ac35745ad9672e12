package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/memory"
)

func newSaveCmd(a *app) *cobra.Command {
	var importance int

	cmd := &cobra.Command{
		Use:   "save <note>",
		Short: "Save a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var opts []memory.SaveOption
			if cmd.Flags().Changed("importance") {
				opts = append(opts, memory.WithImportance(importance))
			}
			entry, err := s.manager.SaveMemory(cmd.Context(), strings.Join(args, " "), opts...)
			if err != nil {
				return err
			}
			if !entry.HasEmbedding() {
				a.logger.Warn("saved without embedding; only keyword search will find it", "id", entry.ID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
			return nil
		},
	}
	cmd.Flags().IntVarP(&importance, "importance", "i", memory.DefaultImportance, "importance from 1 to 10")
	return cmd
}

func newRecallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "recall <question>",
		Aliases: []string{"search"},
		Short:   "Print the notes most relevant to a question",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			notes, err := s.manager.RetrieveRelevantMemory(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(notes) == 0 {
				a.logger.Info("nothing relevant found")
				return nil
			}
			for _, n := range notes {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every note, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.manager.ListAllDecrypted(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s  %2d  %s  %s\n", r.ID, r.Importance, r.CreatedAt.Local().Format(time.DateTime), r.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete notes by id",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.manager.DeleteMemory(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.manager.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
