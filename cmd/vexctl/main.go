// cmd/vexctl is the operator CLI for a running VexFS server, built with
// Cobra like ppriyankuu-godkv/cmd/client. It talks over the Native
// dialect HTTP surface rather than a mounted filesystem path, since
// original_source's vexctl addressed a FUSE mount point directly and
// VexFS here is a network service instead of a kernel filesystem.
//
// Usage:
//
//	vexctl status                                  --server http://localhost:7680
//	vexctl search mycollection 0.1,0.2,0.3 -k 5     --server http://localhost:7680
//	vexctl fsck mycollection                        --server http://localhost:7680
//	vexctl index list                               --server http://localhost:7680
//	vexctl index create mycollection --dim 128 --index-type hnsw
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vexfs/internal/vexctlclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "vexctl",
		Short: "Control and inspect a running VexFS server",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:7680", "VexFS server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"HTTP request timeout")

	root.AddCommand(statusCmd(), searchCmd(), fsckCmd(), indexCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display the server's hang-prevention system state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vexctlclient.New(serverAddr, timeout)
			status, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("state: %s\n", status.State)
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <collection> <comma-separated-vector>",
		Short: "Run a nearest-neighbor search against a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vector, err := parseVector(args[1])
			if err != nil {
				return err
			}
			c := vexctlclient.New(serverAddr, timeout)
			results, err := c.Query(context.Background(), args[0], vector, k)
			if err != nil {
				return err
			}
			return prettyPrint(results)
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of nearest neighbors to return")
	return cmd
}

func fsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck <collection>",
		Short: "Report a collection's storage<->index synchronization status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vexctlclient.New(serverAddr, timeout)
			status, err := c.SyncStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			if err := prettyPrint(status); err != nil {
				return err
			}
			if !status.IsSynchronized {
				fmt.Printf("\n%d operations pending reconciliation; last error: %s\n",
					status.PendingOps, status.LastError)
			}
			return nil
		},
	}
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "List and create collections (each collection owns one ANN index)",
	}
	cmd.AddCommand(indexListCmd(), indexCreateCmd())
	return cmd
}

func indexListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every collection on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vexctlclient.New(serverAddr, timeout)
			names, err := c.Collections(context.Background())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func indexCreateCmd() *cobra.Command {
	var dim int
	var distance string
	var indexType string
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a new collection backed by an ANN index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vexctlclient.New(serverAddr, timeout)
			err := c.CreateCollection(context.Background(), vexctlclient.CreateCollectionRequest{
				Name:      args[0],
				Dim:       dim,
				Distance:  distance,
				IndexType: indexType,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created collection %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&dim, "dim", 0, "vector dimension (required)")
	cmd.Flags().StringVar(&distance, "distance", "l2", "distance metric: l2, cosine, or dot")
	cmd.Flags().StringVar(&indexType, "index-type", "hnsw", "ANN strategy: hnsw, pq, ivf, lsh, or flat")
	_ = cmd.MarkFlagRequired("dim")
	return cmd
}

func parseVector(raw string) ([]float32, error) {
	parts := strings.Split(raw, ",")
	vector := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vector[i] = float32(v)
	}
	return vector, nil
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
