// jitcache inspects and maintains the on-disk kernel cache.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func cacheDir() string {
	if dir := os.Getenv("GOJIT_CACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jitcache: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".gojit")
}

func cacheEntries() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(cacheDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var kernels []os.DirEntry
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".kernel") {
			kernels = append(kernels, entry)
		}
	}
	return kernels, nil
}

func main() {
	root := &cobra.Command{
		Use:   "jitcache",
		Short: "Inspect and maintain the on-disk kernel cache",
	}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := cacheEntries()
			if err != nil {
				return err
			}
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil {
					return err
				}
				fmt.Printf("%-72s %8s  %s\n", entry.Name(),
					humanize.IBytes(uint64(info.Size())),
					info.ModTime().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := cacheEntries()
			if err != nil {
				return err
			}
			var total uint64
			perBackend := map[string]int{}
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil {
					return err
				}
				total += uint64(info.Size())
				backend, _, _ := strings.Cut(entry.Name(), "-")
				perBackend[backend]++
			}
			fmt.Printf("%s: %d kernels, %s\n", cacheDir(), len(entries), humanize.IBytes(total))
			for backend, count := range perBackend {
				fmt.Printf("  %s: %d\n", backend, count)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete all cached kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := cacheEntries()
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := os.Remove(filepath.Join(cacheDir(), entry.Name())); err != nil {
					return err
				}
			}
			fmt.Printf("removed %d kernels\n", len(entries))
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
