package main

import (
	"log"

	"github.com/spf13/cobra"

	poolcli "github.com/amirimatin/go-nodepool/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "poolctl",
		Short:         "go-nodepool inspection CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	poolcli.AddAll(root)
	return root
}
