package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/cuemby/beedrive/pkg/client"
	"github.com/cuemby/beedrive/pkg/log"
)

var uploadCmd = &cobra.Command{
	Use:   "upload LOCAL [REMOTE]",
	Short: "Upload a file to a BeeDrive server",
	Long: `Upload a local file. REMOTE defaults to the base name of LOCAL.

Examples:
  beedrive upload ./report.pdf --user alice --secret s3cret
  beedrive upload ./report.pdf docs/2026/report.pdf --server files:8888`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := args[0]
		remote := filepath.ToSlash(filepath.Base(local))
		if len(args) == 2 {
			remote = args[1]
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		fs, path, err := localFS(local)
		if err != nil {
			return err
		}
		start := time.Now()
		if _, err := c.Upload(cmd.Context(), fs, path, remote); err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("✓ Uploaded %s as %s (%s)\n", local, remote, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download REMOTE [LOCAL]",
	Short: "Download a file from a BeeDrive server",
	Long: `Download a remote file. LOCAL defaults to the base name of REMOTE.

Examples:
  beedrive download docs/report.pdf --user alice --secret s3cret
  beedrive download docs/report.pdf /tmp/report.pdf`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := args[0]
		local := filepath.Base(filepath.FromSlash(remote))
		if len(args) == 2 {
			local = args[1]
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		fs, path, err := localFS(local)
		if err != nil {
			return err
		}
		start := time.Now()
		if _, err := c.Download(cmd.Context(), fs, remote, path); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("✓ Downloaded %s to %s (%s)\n", remote, local, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{uploadCmd, downloadCmd} {
		cmd.Flags().String("server", "localhost:8888", "BeeDrive server address")
		cmd.Flags().String("user", "", "User name (required)")
		cmd.Flags().String("secret", "", "Shared secret (default: $BEEDRIVE_SECRET)")
		cmd.Flags().Bool("no-crypto", false, "Disable message encryption")
		cmd.Flags().Bool("no-sign", false, "Disable message signatures")
		cmd.Flags().Duration("timeout", 30*time.Second, "I/O timeout")
		_ = cmd.MarkFlagRequired("user")
	}
}

// localFS returns the host filesystem and the absolute form of path
func localFS(path string) (billy.Filesystem, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	root := filepath.VolumeName(abs) + string(filepath.Separator)
	return osfs.New(root, osfs.WithBoundOS()), abs, nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	user, _ := cmd.Flags().GetString("user")
	secret, _ := cmd.Flags().GetString("secret")
	noCrypto, _ := cmd.Flags().GetBool("no-crypto")
	noSign, _ := cmd.Flags().GetBool("no-sign")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if secret == "" {
		secret = os.Getenv("BEEDRIVE_SECRET")
	}
	if secret == "" && (!noCrypto || !noSign) {
		return nil, fmt.Errorf("--secret or BEEDRIVE_SECRET is required")
	}

	hostname, _ := os.Hostname()
	return client.NewClient(client.Config{
		Address:   addr,
		Name:      hostname,
		User:      user,
		Secret:    secret,
		Crypto:    !noCrypto,
		Sign:      !noSign,
		IOTimeout: timeout,
		Reporter:  log.DefaultReporter(),
	}), nil
}
