package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/colors"
	"github.com/mmalmi/hashtree/internal/config"
	"github.com/mmalmi/hashtree/internal/hashtree"
	"github.com/mmalmi/hashtree/internal/resolver"
	"github.com/mmalmi/hashtree/internal/visibility"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a local .hashtree store in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := config.SaveRepo(cfg); err != nil {
				return err
			}
			fmt.Println(colors.SuccessText("initialized .hashtree"))
			return nil
		},
	}
}

var putEncrypt bool

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store a file or directory and print its CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, store, _, err := openTree()
			if err != nil {
				return err
			}
			defer store.Close()

			cid, isTree, _, err := putPath(cmd.Context(), tree, args[0], putEncrypt)
			if err != nil {
				return err
			}
			kind := "file"
			if isTree {
				kind = "directory"
			}
			fmt.Printf("%s %s %s\n", colors.SuccessText("stored"), kind, cidString(cid))
			return nil
		},
	}
	cmd.Flags().BoolVar(&putEncrypt, "encrypt", false, "convergently encrypt blobs and tree nodes")
	return cmd
}

func putPath(ctx context.Context, tree *hashtree.Tree, path string, encrypt bool) (chk.CID, bool, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return chk.CID{}, false, 0, fmt.Errorf("hashtreectl: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return chk.CID{}, false, 0, fmt.Errorf("hashtreectl: read %s: %w", path, err)
		}
		cid, size, err := tree.PutFile(ctx, data, encrypt)
		return cid, false, size, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return chk.CID{}, false, 0, fmt.Errorf("hashtreectl: read dir %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var dirEntries []hashtree.DirEntry
	for _, name := range names {
		childCID, childIsTree, childSize, err := putPath(ctx, tree, filepath.Join(path, name), encrypt)
		if err != nil {
			return chk.CID{}, false, 0, err
		}
		dirEntries = append(dirEntries, hashtree.DirEntry{
			Name: name, Child: childCID, IsTree: childIsTree, Size: childSize,
		})
	}
	cid, size, err := tree.PutDirectory(ctx, dirEntries, encrypt)
	return cid, true, size, err
}

var getOut string

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <cid>",
		Short: "Fetch a file by CID and write it to stdout or --out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, store, _, err := openTree()
			if err != nil {
				return err
			}
			defer store.Close()

			cid, err := parseCID(args[0])
			if err != nil {
				return err
			}
			data, err := tree.ReadFile(cmd.Context(), cid)
			if err != nil {
				return err
			}
			if getOut == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(getOut, data, 0644)
		},
	}
	cmd.Flags().StringVar(&getOut, "out", "", "write to this file instead of stdout")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <cid>",
		Short: "List the entries of a directory CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, store, _, err := openTree()
			if err != nil {
				return err
			}
			defer store.Close()

			cid, err := parseCID(args[0])
			if err != nil {
				return err
			}
			entries, err := tree.ListDirectory(cmd.Context(), cid)
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := "file"
				if e.IsTree {
					kind = colors.Blue("dir")
				}
				fmt.Printf("%-6s %10d  %-20s %s\n", kind, e.Size, e.Name, cidString(e.CID))
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <cid>",
		Short: "Check that every blob reachable from a CID is present in the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, store, _, err := openTree()
			if err != nil {
				return err
			}
			defer store.Close()

			cid, err := parseCID(args[0])
			if err != nil {
				return err
			}
			ok, missing, err := tree.VerifyTree(cmd.Context(), cid)
			if err != nil {
				return err
			}
			if ok {
				fmt.Println(colors.SuccessText("tree is complete"))
				return nil
			}
			fmt.Println(colors.ErrorText(fmt.Sprintf("tree is missing %d blob(s):", len(missing))))
			for _, h := range missing {
				fmt.Println("  " + h.String())
			}
			return nil
		},
	}
}

func openResolver() (*resolver.Resolver, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Resolver.DBPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("hashtreectl: create resolver directory: %w", err)
	}
	r, err := resolver.Open(cfg.Resolver.DBPath, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return r, cfg, nil
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <key>",
		Short: "Print the locally cached CID for a reference key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := openResolver()
			if err != nil {
				return err
			}
			defer r.Close()

			key := args[0]
			var found bool
			var rec resolver.Record
			unsubscribe := r.List(key, func(k string, rr resolver.Record) {
				if k == key {
					found = true
					rec = rr
				}
			})
			unsubscribe()
			if !found {
				return fmt.Errorf("hashtreectl: no local value cached for key %q", key)
			}
			fmt.Println(cidString(rec.CID))
			return nil
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <key> <cid>",
		Short: "Write a key -> CID mapping to the local resolver cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := openResolver()
			if err != nil {
				return err
			}
			defer r.Close()

			cid, err := parseCID(args[1])
			if err != nil {
				return err
			}
			rec := resolver.Record{CID: cid, Visibility: visibility.Public}
			if err := r.Write(cmd.Context(), args[0], rec); err != nil {
				return err
			}
			fmt.Println(colors.SuccessText("published " + args[0]))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Get or set configuration values"}

	get := &cobra.Command{
		Use:  "get <section.field>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.GetValue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	var global bool
	set := &cobra.Command{
		Use:  "set <section.field> <value>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.SetValue(args[0], args[1], global)
		},
	}
	set.Flags().BoolVar(&global, "global", false, "write to the user-global config instead of the repo-local one")

	cmd.AddCommand(get, set)
	return cmd
}
