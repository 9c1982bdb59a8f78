package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/store"
)

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "Manage the persisted virtualization root registry",
}

var rootsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted roots",
	RunE:  runRootsList,
}

var rootsAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Persist a root so the next serve registers it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRootsAdd,
}

var rootsRemoveCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Forget a persisted root",
	Args:  cobra.ExactArgs(1),
	RunE:  runRootsRemove,
}

func init() {
	rootsCmd.PersistentFlags().String("state-db", "", "Sqlite database persisting registered roots")
	viper.BindPFlag("roots.state-db", rootsCmd.PersistentFlags().Lookup("state-db"))

	rootsCmd.AddCommand(rootsListCmd)
	rootsCmd.AddCommand(rootsAddCmd)
	rootsCmd.AddCommand(rootsRemoveCmd)
	rootCmd.AddCommand(rootsCmd)
}

func openRootStore() (*store.RootStore, func() error, error) {
	db, err := store.Open(viper.GetString("roots.state-db"))
	if err != nil {
		return nil, nil, errx.Wrap(ErrOpenStateDB, err)
	}
	return store.NewRootStore(db), db.Close, nil
}

func runRootsList(cmd *cobra.Command, args []string) error {
	s, closeDB, err := openRootStore()
	if err != nil {
		return err
	}
	defer closeDB()

	paths, err := s.ListRoots()
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runRootsAdd(cmd *cobra.Command, args []string) error {
	s, closeDB, err := openRootStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := s.SaveRoot(args[0]); err != nil {
		return err
	}
	fmt.Printf("added %s\n", args[0])
	return nil
}

func runRootsRemove(cmd *cobra.Command, args []string) error {
	s, closeDB, err := openRootStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := s.RemoveRoot(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}
