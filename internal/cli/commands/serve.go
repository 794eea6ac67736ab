package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"btrfsdiff/internal/config"
	"btrfsdiff/internal/export"
)

var serveCmd = &cobra.Command{
	Use:   "serve <stream>...",
	Short: "Serve replayed subvolumes read-only over NFS",
	Long: `Replays the streams and exports the result over NFSv3, one top-level
directory per subvolume. Runs until interrupted.

Examples:
  btrfsdiff serve base.stream incr.stream
  btrfsdiff serve --listen 127.0.0.1:12049 base.stream
  mount -t nfs -o port=12049,mountport=12049,vers=3,tcp,nolock localhost:/ /mnt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServe,
}

var (
	serveListen  string
	serveWorkers int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (default from settings)")
	serveCmd.Flags().IntVarP(&serveWorkers, "workers", "j", 0, "Streams replayed in parallel (default from settings)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := serveListen
	if addr == "" && settings != nil {
		addr = settings.NFSListen
	}

	lock := flock.New(config.ServeLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another serve instance is already running")
	}
	defer lock.Unlock()

	fs, err := receiveFiles(args, serveWorkers)
	if err != nil {
		return err
	}

	srv := export.NewServer(export.NewFS(fs))
	bound, err := srv.Listen(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d subvolumes on %s\n", len(fs.Subvolumes), bound)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("[Serve] received %s, shutting down", sig)
			srv.Shutdown()
		case <-stop:
		}
	}()

	return srv.Serve()
}
