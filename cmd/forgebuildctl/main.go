// Command forgebuildctl is a thin HTTP client for forgebuildd, standing
// in for the out-of-scope CLI collaborator named in spec.md §1. It mirrors
// the teacher's internal/client/client.go shape (one struct over a
// transport, one method per RPC) by reusing internal/remote.Peer as its
// transport and exposing get/children/log/put subcommands over it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/remote"
)

func main() {
	var server string

	root := &cobra.Command{
		Use:   "forgebuildctl",
		Short: "thin HTTP client for a forgebuildd server",
	}
	root.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "base URL of the forgebuildd server to talk to")

	peer := func() *remote.Peer { return remote.NewPeer(server) }

	root.AddCommand(
		newGetCmd(peer),
		newChildrenCmd(peer),
		newLogCmd(peer),
		newPutCmd(peer),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newGetCmd(peer func() *remote.Peer) *cobra.Command {
	return &cobra.Command{
		Use:   "get <build-id>",
		Short: "fetch a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.ParseBuild(args[0])
			if err != nil {
				return err
			}
			b, err := peer().GetBuild(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
}

func newChildrenCmd(peer func() *remote.Peer) *cobra.Command {
	var size int
	var length int64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "children <build-id>",
		Short: "fetch a build's children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.ParseBuild(args[0])
			if err != nil {
				return err
			}
			arg := children.Arg{Size: size}
			if length > 0 {
				arg.Length = &length
			}
			if timeout > 0 {
				arg.Timeout = &timeout
			}
			kids, err := peer().GetChildren(cmd.Context(), id, arg)
			if err != nil {
				return err
			}
			return printJSON(kids)
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "preferred items per chunk")
	cmd.Flags().Int64Var(&length, "length", 0, "maximum total items to fetch")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up and return what is available after this long")
	return cmd
}

func newLogCmd(peer func() *remote.Peer) *cobra.Command {
	var size int
	var length int64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "log <build-id>",
		Short: "fetch a build's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.ParseBuild(args[0])
			if err != nil {
				return err
			}
			arg := logstream.Arg{Size: size}
			if length > 0 {
				arg.Length = &length
			}
			if timeout > 0 {
				arg.Timeout = &timeout
			}
			body, err := peer().GetLog(cmd.Context(), id, arg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(body)
			return err
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "preferred bytes per chunk")
	cmd.Flags().Int64Var(&length, "length", 0, "maximum total bytes to fetch")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up and return what is available after this long")
	return cmd
}

func newPutCmd(peer func() *remote.Peer) *cobra.Command {
	var host, target, status string

	cmd := &cobra.Command{
		Use:   "put <build-id>",
		Short: "upsert a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.ParseBuild(args[0])
			if err != nil {
				return err
			}
			targetID, err := ids.ParseArtifact(target)
			if err != nil {
				return fmt.Errorf("parse --target: %w", err)
			}
			return peer().PutBuild(cmd.Context(), build.PutArg{
				Build: build.Build{
					ID:        id,
					Host:      host,
					Target:    targetID,
					Status:    build.Status(status),
					Retry:     build.RetryFailed,
					CreatedAt: time.Now(),
				},
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "target platform string")
	cmd.Flags().StringVar(&target, "target", "", "artifact id of the target object being built")
	cmd.Flags().StringVar(&status, "status", string(build.StatusCreated), "initial status")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
