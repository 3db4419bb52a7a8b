// cmd/restore.go

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"AveMap/pkg/chunk"
	"AveMap/pkg/compress"
	"AveMap/pkg/utils"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func restoreFlags() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "write a dump back into a file through mapped chunks",
		ArgsUsage: "INPUT FILE",
		Action:    restore,
		Flags: append(layoutFlags(),
			&cli.BoolFlag{
				Name:  "keep-size",
				Usage: "do not truncate FILE to the dumped length afterwards",
			},
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit bandwidth of the input in MiB/s (0 means unlimited)",
			},
		),
	}
}

// writeThrough copies data to the file at pos, crossing chunks as needed.
func writeThrough(f *chunk.File, data []byte, pos int64) error {
	for len(data) > 0 {
		c, err := f.Acquire(pos)
		if err != nil {
			return err
		}
		n, err := c.WriteAt(data, pos)
		if err == nil || err == io.ErrShortWrite {
			err = c.Sync()
		}
		if rerr := c.Release(); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
		data = data[n:]
		pos += int64(n)
	}
	return nil
}

func restore(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("INPUT and FILE are needed")
	}
	input, path := ctx.Args().Get(0), ctx.Args().Get(1)
	in, err := os.Open(input)
	if err != nil {
		logger.Fatalf("open %s: %s", input, err)
	}
	defer in.Close()
	r := bufio.NewReaderSize(utils.LimitReader(in, utils.NewBucket(ctx.Int64("bwlimit")<<20)), 1<<20)
	h, err := readHeader(r)
	if err != nil {
		logger.Fatalf("%s: %s", input, err)
	}
	comp := compress.NewCompressor(h.Algorithm)
	if comp == nil {
		logger.Fatalf("%s: unknown compression algorithm %q", input, h.Algorithm)
	}

	f, err := openFile(ctx, path, nil)
	if err != nil {
		logger.Fatalf("open %s: %s", path, err)
	}
	progress, bar := utils.NewDynProgressBar("restoring chunks: ", ctx.Bool("quiet"))
	bar.SetTotal((h.TotalSize+h.ChunkSize-1)/h.ChunkSize, false)

	raw := make([]byte, h.ChunkSize)
	buf := make([]byte, comp.CompressBound(int(h.ChunkSize)))
	var pos int64
	for pos < h.TotalSize {
		rawLen, data, err := readFrame(r, buf)
		if err != nil {
			logger.Fatalf("%s at %d: %s", input, pos, err)
		}
		if int64(rawLen) > h.ChunkSize || pos+int64(rawLen) > h.TotalSize {
			logger.Fatalf("%s at %d: bad frame length %d", input, pos, rawLen)
		}
		n, err := comp.Decompress(raw[:rawLen], data)
		if err == nil && n != rawLen {
			err = errors.Errorf("decompressed %d bytes, expected %d", n, rawLen)
		}
		if err != nil {
			logger.Fatalf("%s at %d: %s", input, pos, err)
		}
		if err = writeThrough(f, raw[:rawLen], pos); err != nil {
			logger.Fatalf("write %s at %d: %s", path, pos, err)
		}
		pos += int64(rawLen)
		bar.Increment()
	}
	bar.SetTotal(-1, true)
	progress.Wait()
	logger.Debugf("%s", f.ReferenceCounts())
	if err = f.Close(); err != nil {
		logger.Warnf("close %s: %s", path, err)
	}

	if !ctx.Bool("keep-size") {
		if err = os.Truncate(path, h.TotalSize); err != nil {
			logger.Fatalf("truncate %s: %s", path, err)
		}
	}
	logger.Infof("Restored %d bytes from %s into %s", h.TotalSize, input, path)
	return nil
}
