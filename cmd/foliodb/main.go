// Command foliodb is a manual smoke-testing CLI over a foliodb store. It
// is not part of the committed storage-engine contract — just a thin
// wrapper for poking at a store from a shell.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foliodb/foliodb"
	"github.com/foliodb/foliodb/config"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var dbPath string

	root := &cobra.Command{
		Use:   "foliodb",
		Short: "Inspect and poke at a foliodb store file",
	}
	root.PersistentFlags().StringVar(&dbPath, "path", "", "path to the store's data file (required)")
	root.MarkPersistentFlagRequired("path")

	root.AddCommand(
		openCmd(&dbPath, logger),
		getCmd(&dbPath, logger),
		putCmd(&dbPath, logger),
		checkpointCmd(&dbPath, logger),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(path string, logger zerolog.Logger) (*foliodb.Store, error) {
	return foliodb.Open(config.Default(path), logger, nil)
}

func openCmd(path *string, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the store, run recovery, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*path, logger)
			if err != nil {
				return err
			}
			return store.Close()
		},
	}
}

func getCmd(path *string, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read one key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*path, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			value, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func putCmd(path *string, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write one key and commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*path, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Put(args[0], []byte(args[1]))
		},
	}
}

func checkpointCmd(path *string, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Force an immediate WAL checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*path, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Checkpoint()
		},
	}
}
