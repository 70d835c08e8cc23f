package main

import (
	"github.com/spf13/cobra"

	"github.com/shineum/pocket-epub-mailer/internal/extract"
)

func newExtractCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "extract <url>",
		Short: "Write the readable content of a web page to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := extract.ParseFormat(format)
			if err != nil {
				return err
			}
			return extract.New().Extract(cmd.Context(), args[0], f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", string(extract.FormatHTML), "output format (html or markdown)")
	return cmd
}
