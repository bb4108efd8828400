package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dudu/edgeguard/internal/store"
)

var registryReset bool

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Show or clear the enrolled faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.RegistryPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if registryReset {
			if !confirm(bufio.NewReader(os.Stdin), "Delete every enrolled face?") {
				return nil
			}
			if err := db.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Registry cleared.")
			return nil
		}

		n, err := db.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d enrolled faces\n", cfg.RegistryPath, n)
		return nil
	},
}

func init() {
	registryCmd.Flags().BoolVar(&registryReset, "reset", false, "Delete every enrolled face")
	rootCmd.AddCommand(registryCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
