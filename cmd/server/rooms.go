package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dkeye/soundrooms/internal/app/ring"
	"github.com/dkeye/soundrooms/internal/domain"
)

func roomsCmd() *cobra.Command {
	var (
		self  string
		peers []string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Print the room pool and which rooms a server owns",
		Long: `Print the configured room pool split across a set of servers the way
the hash ring assigns it. Without --peers the server owns every room.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if self == "" {
				self = cfg.LocalAddress()
			}
			if all {
				printOwners(cmd.OutOrStdout(), append([]string{self}, peers...), cfg.RoomNames)
				return nil
			}
			owned := ownedRooms(self, peers, cfg.RoomNames)
			fmt.Fprintf(cmd.OutOrStdout(), "%s owns %d of %d rooms\n", self, len(owned), len(cfg.RoomNames))
			for _, r := range owned {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&self, "self", "", "Server address (default: configured local address)")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "Peer server addresses")
	cmd.Flags().BoolVar(&all, "all", false, "Print the owner of every room")

	return cmd
}

func ownedRooms(self string, peers []string, rooms []domain.RoomName) []domain.RoomName {
	r := ring.New(append([]string{self}, peers...)...)
	return r.Servable(self, rooms)
}

func printOwners(w io.Writer, nodes []string, rooms []domain.RoomName) {
	r := ring.New(nodes...)
	for _, name := range rooms {
		owner, _ := r.Get(string(name))
		fmt.Fprintf(w, "%s\t%s\n", name, owner)
	}
}
