package main

import (
	"fmt"
	"path/filepath"
	"time"

	"hyperg/pkg/rpc"
	"hyperg/pkg/types"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

var (
	rpcHost string
	rpcPort int
)

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&rpcHost, "host", rpc.DefaultHost, "daemon control plane host")
	cmd.PersistentFlags().IntVar(&rpcPort, "port", rpc.DefaultPort, "daemon control plane port")
}

func newClient() *rpc.Client {
	return rpc.NewClient(rpcHost, rpcPort)
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the daemon's node id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient().ID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(renderField("Node ID", id))
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Create and share an archive with the given files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make(map[string]string, len(args))
			for _, arg := range args {
				source, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				files[source] = filepath.Base(source)
			}

			hash, err := newClient().Upload(cmd.Context(), files, timeout)
			if err != nil {
				return err
			}
			fmt.Println(renderField("Hash", hash))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort archive creation after this long")
	return cmd
}

func shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share HASH",
		Short: "Share an archive that is already stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := newClient().UploadExisting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(renderField("Hash", hash))
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	var (
		peers   []string
		size    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download HASH DEST",
		Short: "Download an archive into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := rpc.DownloadOptions{Timeout: timeout}
			for _, p := range peers {
				peer, err := types.ParsePeer(p)
				if err != nil {
					return err
				}
				opts.Peers = append(opts.Peers, peer)
			}
			if size != "" {
				limit, err := datasize.ParseString(size)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", size, err)
				}
				opts.Size = limit.Bytes()
			}

			dest, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			files, err := newClient().Download(cmd.Context(), args[0], dest, opts)
			if err != nil {
				return err
			}
			fmt.Println(renderFiles(files))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&peers, "peer", nil, "download from these peers (host:port) instead of rendezvous")
	cmd.Flags().StringVar(&size, "size", "", "abort if the archive is larger (e.g. 10MB)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort if not complete after this long")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel HASH",
		Short: "Stop sharing an archive and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(renderField("Cancelled", hash))
			return nil
		},
	}
}

func addressesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "List the daemon's swarm addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := newClient().Addresses(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(renderAddresses(addrs))
			return nil
		},
	}
}
