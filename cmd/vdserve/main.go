// Command vdserve attaches a vaultdisk repository to a Linux NBD device
// node, serving reads by resolving the chunk tree named by an intro URL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/chunkcache"
	"github.com/vaultdisk/vaultdisk/pkg/config"
	"github.com/vaultdisk/vaultdisk/pkg/nbd"
	"github.com/vaultdisk/vaultdisk/pkg/treereader"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

func main() {
	cacheSize := flag.Int("cache-size", 0, "decrypted chunk cache entry count (default from config or 32)")
	diskCacheDir := flag.String("disk-cache", "", "optional on-disk ciphertext cache directory")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: vdserve [options] <nbd-device> <intro-url>")
		os.Exit(2)
	}
	devicePath, introURL := args[0], args[1]

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if err := run(devicePath, introURL, *cacheSize, *diskCacheDir, *configPath, log); err != nil {
		fmt.Fprintf(os.Stderr, "vdserve: %v\n", err)
		os.Exit(1)
	}
}

func run(devicePath, introURL string, cacheSizeFlag int, diskCacheFlag, configPath string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cacheSizeFlag > 0 {
		cfg.CacheSize = cacheSizeFlag
	}
	if diskCacheFlag != "" {
		cfg.DiskCache = diskCacheFlag
	}

	introAddr, unlockKey, err := parseIntroURL(introURL)
	if err != nil {
		return err
	}

	base, err := introBase(introURL)
	if err != nil {
		return err
	}
	var store blobstore.Getter = blobstore.NewHTTPStore(base, nil)

	if cfg.DiskCache != "" {
		disk, err := chunkcache.OpenDiskCache(cfg.DiskCache, store, log)
		if err != nil {
			return err
		}
		defer disk.Close()
		store = disk
	}

	mem := chunkcache.NewMemoryCache(cfg.CacheSize)

	ctx := context.Background()
	reader, err := treereader.Open(ctx, store, mem, introAddr, unlockKey)
	if err != nil {
		return err
	}

	return nbd.AttachAndServe(ctx, nbd.ServerConfig{
		DevicePath: devicePath,
		TotalSize:  reader.TotalSize(),
		BlockSize:  reader.BlockSize(),
		Reader:     reader,
		Log:        log,
	})
}

// parseIntroURL splits an intro URL into its 64-hex-char chunk address and
// its unlock key, the latter from the URL fragment or, absent one, an
// interactive TTY prompt. A missing fragment on non-TTY input is a
// BadArgument, per the boundary spec for this adapter.
func parseIntroURL(raw string) (chunkaddr.Address, []byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return chunkaddr.Address{}, nil, fmt.Errorf("%w: parse intro url: %v", vderrors.ErrBadArgument, err)
	}

	hexAddr := strings.TrimPrefix(u.Path, "/")
	if idx := strings.LastIndexByte(hexAddr, '/'); idx >= 0 {
		hexAddr = hexAddr[idx+1:]
	}
	addr, err := chunkaddr.Parse(hexAddr)
	if err != nil {
		return chunkaddr.Address{}, nil, fmt.Errorf("%w: intro url has no valid chunk address: %v", vderrors.ErrBadArgument, err)
	}

	if u.Fragment != "" {
		unlockKey, err := url.QueryUnescape(u.Fragment)
		if err != nil {
			return chunkaddr.Address{}, nil, fmt.Errorf("%w: decode unlock key fragment: %v", vderrors.ErrBadArgument, err)
		}
		return addr, []byte(unlockKey), nil
	}

	if !isTerminal(os.Stdin) {
		return chunkaddr.Address{}, nil, fmt.Errorf("%w: intro url has no unlock key fragment and stdin is not a terminal", vderrors.ErrBadArgument)
	}

	fmt.Fprint(os.Stderr, "unlock key: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return chunkaddr.Address{}, nil, fmt.Errorf("%w: read unlock key: %v", vderrors.ErrBadArgument, err)
	}
	return addr, []byte(strings.TrimRight(line, "\r\n")), nil
}

// isTerminal reports whether f is attached to a character device, the
// closest stdlib-only approximation of a TTY check.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// introBase returns the URL the HTTP blob store resolves chunk names
// against: the intro URL with its final path segment (the intro chunk's own
// hex name) and fragment stripped.
func introBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse intro url: %v", vderrors.ErrBadArgument, err)
	}
	u.Fragment = ""
	if idx := strings.LastIndexByte(u.Path, '/'); idx >= 0 {
		u.Path = u.Path[:idx]
	} else {
		u.Path = ""
	}
	return u, nil
}

