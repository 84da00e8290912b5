// coopctl is the operator CLI for primal-coop. Most commands call the
// admin API of a running instance; "cursors" and "repo verify" work on
// local files.
//
// Usage:
//
//	coopctl --server http://localhost:3000 outbox list --status dead
//	coopctl outbox requeue 42
//	coopctl repo export did:web:coop.example:u:alice -o alice.car
//	coopctl cursors --data-dir /var/lib/coop/appview
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/primal-host/primal-coop/internal/appview"
	"github.com/primal-host/primal-coop/internal/config"
	"github.com/primal-host/primal-coop/internal/repo"
)

type globals struct {
	server   string
	adminKey string
}

func (g *globals) client() *Client {
	return NewClient(g.server, g.adminKey)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coopctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "coopctl",
		Short:         "Operate a primal-coop instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := config.LoadEnv(".env"); err != nil {
				return err
			}
			if g.adminKey == "" {
				g.adminKey = os.Getenv(config.EnvAdminKey)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.server, "server", "http://localhost:3000", "instance base URL")
	root.PersistentFlags().StringVar(&g.adminKey, "admin-key", "", "admin key (default $"+config.EnvAdminKey+")")

	root.AddCommand(
		newOutboxCmd(g),
		newIdentityCmd(g),
		newRecordCmd(g),
		newRepoCmd(g),
		newCursorsCmd(),
		newCopyCmd(g),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newOutboxCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and repair the delivery queue"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			var out json.RawMessage
			if err := g.client().get("coop.admin.listOutbox", params, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, sending, sent, failed or dead")
	list.Flags().IntVar(&limit, "limit", 0, "maximum messages to list")

	requeue := &cobra.Command{
		Use:   "requeue ID",
		Short: "Return a dead message to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			var out json.RawMessage
			if err := g.client().post("coop.admin.requeueOutbox", map[string]int64{"id": id}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func newIdentityCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage hosted identities"}

	adminCall := func(use, short, method, field string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out json.RawMessage
				if err := g.client().post(method, map[string]string{field: args[0]}, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		}
	}

	cmd.AddCommand(
		adminCall("create NAME", "Create a member identity", "coop.admin.createIdentity", "name"),
		adminCall("rotate DID", "Rotate an identity's signing key", "coop.admin.rotateKey", "did"),
		adminCall("session DID", "Mint a session token pair for an identity", "coop.admin.createSession", "did"),
	)
	return cmd
}

func newRecordCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Moderate records"}

	var reason string
	invalidate := &cobra.Command{
		Use:   "invalidate URI",
		Short: "Hide a record from reads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, err := repo.ParseURI(args[0]); err != nil {
				return err
			}
			if err := g.client().post("coop.admin.invalidateRecord",
				map[string]string{"uri": args[0], "reason": reason}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", args[0])
			return nil
		},
	}
	invalidate.Flags().StringVar(&reason, "reason", "", "reason recorded with the invalidation")

	cmd.AddCommand(invalidate)
	return cmd
}

func newRepoCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "repo", Short: "Export and verify repository archives"}

	var output string
	export := &cobra.Command{
		Use:   "export DID",
		Short: "Download a repository as a CAR file and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf bytes.Buffer
			if err := g.client().get("coop.sync.getRepo", url.Values{"did": {args[0]}}, &buf); err != nil {
				return err
			}
			a, err := repo.VerifyCAR(cmd.Context(), bytes.NewReader(buf.Bytes()))
			if err != nil {
				return err
			}
			if output == "" {
				output = a.Root.String() + ".car"
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d commits, %d blocks, root %s\n", output, a.Commits, a.Blocks, a.Root)
			return nil
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default <root>.car)")

	verify := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a CAR export's hashes and commit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			a, err := repo.VerifyCAR(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d commits, %d blocks, root %s\n", args[0], a.DID, a.Commits, a.Blocks, a.Root)
			return nil
		},
	}

	cmd.AddCommand(export, verify)
	return cmd
}

func newCursorsCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "Show AppView consumer cursors (the indexer must be stopped)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dataDir == "" {
				return fmt.Errorf("--data-dir is required")
			}
			store, err := appview.Open(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			cursors, err := store.Cursors()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cursors))
			for name := range cursors {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d\n", name, cursors[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "AppView pebble directory")
	return cmd
}
