// cmd/fill.go

package main

import (
	"fmt"
	"time"

	"AveMap/pkg/chunk"
	"AveMap/pkg/utils"

	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func fillFlags() *cli.Command {
	return &cli.Command{
		Name:      "fill",
		Usage:     "grow a file chunk by chunk and write a byte pattern into it",
		ArgsUsage: "FILE",
		Action:    fill,
		Flags: append(layoutFlags(),
			&cli.Int64Flag{
				Name:  "size",
				Value: 1024,
				Usage: "bytes to fill in MiB",
			},
			&cli.IntFlag{
				Name:    "threads",
				Aliases: []string{"p"},
				Value:   4,
				Usage:   "number of concurrent workers",
			},
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit write bandwidth in MiB/s (0 means unlimited)",
			},
			&cli.UintFlag{
				Name:  "pattern",
				Value: 0,
				Usage: "byte written over the filled region",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "write metrics in text format to this file when done",
			},
		),
	}
}

const fillBlock = 1 << 20

// fillChunk writes pattern over [pos, pos+n) through the chunk covering pos.
func fillChunk(f *chunk.File, pos, n int64, pattern byte, bucket *ratelimit.Bucket) error {
	c, err := f.Acquire(pos)
	if err != nil {
		return err
	}
	defer c.Release()
	if err = c.Advise(chunk.AccessSequential); err != nil {
		logger.Debugf("advise %s: %s", c, err)
	}
	data := c.Bytes()[pos-c.Offset() : pos-c.Offset()+n]
	for len(data) > 0 {
		step := utils.Min(int64(len(data)), fillBlock)
		if bucket != nil {
			bucket.Wait(step)
		}
		block := data[:step]
		for i := range block {
			block[i] = pattern
		}
		data = data[step:]
	}
	return c.Sync()
}

func fill(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("FILE is needed")
	}
	path := ctx.Args().Get(0)
	size := ctx.Int64("size") << 20
	if size <= 0 {
		return fmt.Errorf("invalid size: %d MiB", ctx.Int64("size"))
	}
	threads := ctx.Int("threads")
	if threads <= 0 {
		threads = 1
	}
	if ctx.Uint("pattern") > 0xff {
		return fmt.Errorf("pattern must be a byte: %d", ctx.Uint("pattern"))
	}
	pattern := byte(ctx.Uint("pattern"))

	reg := prometheus.NewRegistry()
	f, err := openFile(ctx, path, reg)
	if err != nil {
		logger.Fatalf("open %s: %s", path, err)
	}
	defer f.Close()

	bucket := utils.NewBucket(ctx.Int64("bwlimit") << 20)

	cs := f.ChunkSize()
	chunks := (size + cs - 1) / cs
	progress, bar := utils.NewDynProgressBar("filling chunks: ", ctx.Bool("quiet"))
	bar.SetTotal(chunks, false)

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(threads)
	for i := int64(0); i < chunks; i++ {
		pos := i * cs
		n := utils.Min(cs, size-pos)
		g.Go(func() error {
			defer bar.Increment()
			if err := fillChunk(f, pos, n, pattern, bucket); err != nil {
				return fmt.Errorf("chunk %d: %s", pos/cs, err)
			}
			return nil
		})
	}
	err = g.Wait()
	bar.SetTotal(-1, true)
	progress.Wait()
	if err != nil {
		logger.Fatalf("fill %s: %s", path, err)
	}

	used := time.Since(start)
	ru := utils.GetRusage()
	logger.Infof("Filled %d MiB of %s in %s (%.1f MiB/s), cpu: %.2fs user %.2fs sys",
		size>>20, path, used, float64(size)/(1<<20)/used.Seconds(), ru.GetUtime(), ru.GetStime())
	logger.Debugf("%s", f.ReferenceCounts())

	if p := ctx.String("metrics"); p != "" {
		if err := prometheus.WriteToTextfile(p, reg); err != nil {
			logger.Warnf("write metrics to %s: %s", p, err)
		}
	}
	return nil
}
