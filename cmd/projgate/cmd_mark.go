package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/flags"
)

var markCmd = &cobra.Command{
	Use:   "mark <path>",
	Short: "Inspect or change node flags on a backing node",
	Long: `Without flags, prints the node's current flag bits and type.
With --empty/--hydrated or --in-root/--no-in-root, updates the bits.
Providers normally manage these; mark is an operator escape hatch.`,
	Args: cobra.ExactArgs(1),
	RunE: runMark,
}

func init() {
	markCmd.Flags().Bool("empty", false, "Mark the node as an unhydrated placeholder")
	markCmd.Flags().Bool("hydrated", false, "Clear the placeholder bit")
	markCmd.Flags().Bool("in-root", false, "Mark the node as inside a virtualization root")
	markCmd.Flags().Bool("no-in-root", false, "Clear the in-root bit")

	rootCmd.AddCommand(markCmd)
}

func runMark(cmd *cobra.Command, args []string) error {
	path := args[0]
	store := flags.XattrStore{}

	var set, clear flags.NodeFlags
	if v, _ := cmd.Flags().GetBool("empty"); v {
		set |= flags.FlagEmpty
	}
	if v, _ := cmd.Flags().GetBool("hydrated"); v {
		clear |= flags.FlagEmpty
	}
	if v, _ := cmd.Flags().GetBool("in-root"); v {
		set |= flags.FlagInVirtualizationRoot
	}
	if v, _ := cmd.Flags().GetBool("no-in-root"); v {
		clear |= flags.FlagInVirtualizationRoot
	}
	if set&clear != 0 {
		return ErrConflictingFlags
	}

	if set != 0 || clear != 0 {
		if err := store.UpdateFlags(path, set, clear); err != nil {
			return errx.Wrap(ErrMarkNode, err)
		}
	}

	fl, err := store.ReadFlags(path)
	if err != nil {
		return errx.Wrap(ErrReadNode, err)
	}
	nodeType, err := store.NodeType(path)
	if err != nil {
		return errx.Wrap(ErrReadNode, err)
	}

	fmt.Printf("%s: type=%s in_root=%t empty=%t\n",
		path,
		nodeType,
		fl.IsSet(flags.FlagInVirtualizationRoot),
		fl.IsSet(flags.FlagEmpty))
	return nil
}
