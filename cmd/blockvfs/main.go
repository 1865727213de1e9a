// blockvfs copies files in and out of an object store laid out the way the
// blockvfs file system stores them, and serves them over NBD.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/internal/config"
	"github.com/kochman/blockvfs/nbd"
	"github.com/kochman/blockvfs/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// chunkBlocks is how many blocks put and get move per call.
const chunkBlocks = 256

const handle blockvfs.HandleID = 1

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("blockvfs", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	config.AddFlags(flagSet)
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args = flagSet.Args()
	if len(args) == 0 {
		printHelp(stderr, flagSet)
		return errors.New("missing command")
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		return err
	}
	log := cfg.Logger(stderr)

	var reg prometheus.Registerer
	if cfg.MetricsAddr != "" {
		r := prometheus.NewRegistry()
		srv := serveMetrics(cfg.MetricsAddr, r, log)
		defer srv.Close()
		reg = r
	}

	store, err := newStore(ctx, cfg, reg)
	if err != nil {
		return err
	}
	fs, err := vfs.New(store,
		vfs.WithBlockSize(cfg.BlockSize),
		vfs.WithLockOffset(cfg.LockOffset),
		vfs.WithLogger(log),
	)
	if err != nil {
		return err
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "put":
		if len(args) != 2 {
			return errors.New("usage: put <name> <local file>")
		}
		return put(ctx, fs, args[0], args[1])
	case "get":
		if len(args) != 2 {
			return errors.New("usage: get <name> <local file>")
		}
		return get(ctx, fs, args[0], args[1], stdout)
	case "stat":
		if len(args) != 1 {
			return errors.New("usage: stat <name>")
		}
		return stat(ctx, fs, args[0], stdout)
	case "truncate":
		if len(args) != 2 {
			return errors.New("usage: truncate <name> <size>")
		}
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		return truncate(ctx, fs, args[0], size)
	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <name>")
		}
		return fs.Delete(ctx, args[0], false)
	case "serve":
		return serve(ctx, fs, cfg, log)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	return srv
}

// open opens name for the duration of one command.
func open(ctx context.Context, fs *vfs.FS, name string, flags blockvfs.OpenFlags) (func(), error) {
	_, err := fs.Open(ctx, name, handle, flags)
	if err != nil {
		return nil, err
	}
	return func() { fs.Close(ctx, handle) }, nil
}

// put replaces the content of name with the local file.
func put(ctx context.Context, fs *vfs.FS, name, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", local, err)
	}
	defer f.Close()

	done, err := open(ctx, fs, name, blockvfs.OpenReadWrite|blockvfs.OpenCreate|blockvfs.OpenMainDB)
	if err != nil {
		return err
	}
	defer done()

	err = fs.Truncate(ctx, handle, 0)
	if err != nil {
		return err
	}
	p := make([]byte, chunkBlocks*fs.SectorSize(handle))
	off := int64(0)
	for {
		n, err := io.ReadFull(f, p)
		if n > 0 {
			if err := fs.WriteAt(ctx, handle, p[:n], off); err != nil {
				return err
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("unable to read %s: %w", local, err)
		}
	}
}

// get copies name to the local file, or to stdout if local is "-".
func get(ctx context.Context, fs *vfs.FS, name, local string, stdout io.Writer) error {
	exists, err := fs.Access(ctx, name, blockvfs.AccessExists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", name, blockvfs.ErrNotExist)
	}

	done, err := open(ctx, fs, name, blockvfs.OpenReadOnly|blockvfs.OpenMainDB)
	if err != nil {
		return err
	}
	defer done()

	if local == "-" {
		return copyOut(ctx, fs, stdout)
	}
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", local, err)
	}
	err = copyOut(ctx, fs, f)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyOut(ctx context.Context, fs *vfs.FS, w io.Writer) error {
	size, err := fs.Size(ctx, handle)
	if err != nil {
		return err
	}
	p := make([]byte, chunkBlocks*fs.SectorSize(handle))
	for off := int64(0); off < size; off += int64(len(p)) {
		chunk := p[:min(int64(len(p)), size-off)]
		if err := fs.ReadAt(ctx, handle, chunk, off); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("unable to write: %w", err)
		}
	}
	return nil
}

func stat(ctx context.Context, fs *vfs.FS, name string, stdout io.Writer) error {
	done, err := open(ctx, fs, name, blockvfs.OpenReadOnly|blockvfs.OpenMainDB)
	if err != nil {
		return err
	}
	defer done()

	size, err := fs.Size(ctx, handle)
	if err != nil {
		return err
	}
	blocks, err := fs.Blocks(ctx, handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d bytes in %d blocks of %d\n", name, size, len(blocks), fs.SectorSize(handle))

	// every block but the last should be full
	for i, b := range blocks {
		if i < len(blocks)-1 && b.Size != int64(fs.SectorSize(handle)) {
			fmt.Fprintf(stdout, "short block %d: %d bytes\n", b.Index, b.Size)
		}
		if b.Index != int64(i) {
			fmt.Fprintf(stdout, "block %d found at position %d\n", b.Index, i)
		}
	}
	return nil
}

func truncate(ctx context.Context, fs *vfs.FS, name string, size int64) error {
	done, err := open(ctx, fs, name, blockvfs.OpenReadWrite|blockvfs.OpenMainDB)
	if err != nil {
		return err
	}
	defer done()
	return fs.Truncate(ctx, handle, size)
}

func serve(ctx context.Context, fs *vfs.FS, cfg *config.Config, log *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.NBD.Addr)
	if err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}
	s := nbd.NewServer(fs,
		nbd.WithExportSize(cfg.NBD.Size),
		nbd.WithDefaultExport(cfg.NBD.Export),
		nbd.WithLogger(log),
	)
	return s.Serve(ctx, ln)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `blockvfs stores files as fixed-size blocks in an object store.

Usage:
  blockvfs [flags] <command> [arguments]

Commands:
  put <name> <local>      replace name with the content of a local file
  get <name> <local|->    copy name to a local file or stdout
  stat <name>             print size and block layout
  truncate <name> <size>  shrink name to size bytes
  rm <name>               delete every block of name
  serve                   export files over NBD

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
