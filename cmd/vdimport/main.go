// Command vdimport serializes a local file (or standard input) into a
// vaultdisk repository directory: a tree of content-addressed, encrypted
// chunks plus an intro chunk, printed as a one-line intro URL fragment on
// success.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/progress"
	"github.com/vaultdisk/vaultdisk/pkg/sparsesrc"
	"github.com/vaultdisk/vaultdisk/pkg/treewriter"
)

func main() {
	chunkSizeExp := flag.Int("chunk-size-exp", 18, "chunk_size exponent; S0 = 1 << exp")
	blockSize := flag.Int("block-size", 4096, "block size in bytes")
	uncompressed := flag.Bool("uncompressed", false, "disable zlib compression of leaf chunks")
	redundancy := flag.String("redundancy", "", "data:parity Reed-Solomon window, e.g. 4:2; empty disables it")
	flag.Parse()

	args := flag.Args()
	if len(args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: vdimport [options] <input|-> <unlock-key> <repo-key> <target-dir>")
		os.Exit(2)
	}
	inputPath, unlockKey, repoKey, targetDir := args[0], args[1], args[2], args[3]

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if err := run(inputPath, unlockKey, repoKey, targetDir, *chunkSizeExp, *blockSize, !*uncompressed, *redundancy, log); err != nil {
		fmt.Fprintf(os.Stderr, "vdimport: %v\n", err)
		os.Exit(1)
	}
}

func run(inputPath, unlockKey, repoKey, targetDir string, chunkSizeExp, blockSize int, compress bool, redundancyFlag string, log *logrus.Logger) error {
	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	store, err := blobstore.NewFilesystemStore(targetDir, log)
	if err != nil {
		return err
	}

	redundancy, err := parseRedundancy(redundancyFlag)
	if err != nil {
		return err
	}

	w, err := treewriter.New(treewriter.Config{
		Store:        store,
		RepoKey:      []byte(repoKey),
		UnlockKey:    []byte(unlockKey),
		ChunkSizeExp: uint8(chunkSizeExp),
		BlockSize:    uint32(blockSize),
		Compress:     compress,
		Redundancy:   redundancy,
		Progress:     progress.NewStderr(os.Stderr),
	})
	if err != nil {
		return err
	}

	src := sparsesrc.NewFileSource(in, blockSize)
	introAddr, err := treewriter.Run(context.Background(), src, w)
	if err != nil {
		return err
	}

	fmt.Printf("%s#%s\n", introAddr, url.QueryEscape(unlockKey))
	return nil
}

func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

func parseRedundancy(flag string) (*treewriter.Redundancy, error) {
	if flag == "" {
		return nil, nil
	}
	parts := strings.SplitN(flag, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("vdimport: -redundancy must be data:parity, got %q", flag)
	}
	data, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("vdimport: -redundancy data shard count: %w", err)
	}
	parityShards, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("vdimport: -redundancy parity shard count: %w", err)
	}
	return &treewriter.Redundancy{DataShards: data, ParityShards: parityShards}, nil
}
