// cmd/info.go

package main

import (
	"encoding/json"
	"fmt"

	"AveMap/pkg/chunk"
	"AveMap/pkg/utils"

	"github.com/urfave/cli/v2"
)

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show the chunk layout of a file",
		ArgsUsage: "FILE",
		Action:    info,
		Flags: append(layoutFlags(),
			&cli.Int64SliceFlag{
				Name:    "touch",
				Aliases: []string{"t"},
				Usage:   "acquire the chunk covering this offset before reporting (may grow the file)",
			},
		),
	}
}

type layout struct {
	Path        string
	ID          string
	Size        int64
	ChunkSize   int64
	OverlapSize int64
	Chunks      int64
	Touched     []string `json:",omitempty"`
	RefCounts   string
}

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func info(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("FILE is needed")
	}
	path := ctx.Args().Get(0)
	if !utils.Exists(path) {
		return fmt.Errorf("%s does not exist", path)
	}
	f, err := openFile(ctx, path, nil)
	if err != nil {
		logger.Fatalf("open %s: %s", path, err)
	}
	defer f.Close()

	var held []*chunk.Chunk
	defer func() {
		for _, c := range held {
			_ = c.Release()
		}
	}()
	l := &layout{
		Path:        path,
		ID:          f.ID().String(),
		ChunkSize:   f.ChunkSize(),
		OverlapSize: f.OverlapSize(),
	}
	for _, off := range ctx.Int64Slice("touch") {
		c, err := f.Acquire(off)
		if err != nil {
			logger.Fatalf("acquire %d: %s", off, err)
		}
		held = append(held, c)
		l.Touched = append(l.Touched, c.String())
	}
	if l.Size, err = f.Size(); err != nil {
		logger.Fatalf("stat %s: %s", path, err)
	}
	l.Chunks = (l.Size + l.ChunkSize - 1) / l.ChunkSize
	l.RefCounts = f.ReferenceCounts()
	printJson(l)
	return nil
}
