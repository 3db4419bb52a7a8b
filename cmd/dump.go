// cmd/dump.go

package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"AveMap/pkg/chunk"
	"AveMap/pkg/compress"
	"AveMap/pkg/utils"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Dump layout, big endian:
//
//	magic[4] | nameLen u8 | name | chunkSize u64 | totalSize u64
//	{ rawLen u32 | compLen u32 | data[compLen] } ...
const dumpMagic = "AVM1"

// maxDumpChunk bounds the frame buffers restore allocates from a header.
const maxDumpChunk = 1 << 30

type dumpHeader struct {
	Algorithm string
	ChunkSize int64
	TotalSize int64
}

func writeHeader(w io.Writer, h *dumpHeader) error {
	if len(h.Algorithm) > 255 {
		return errors.Errorf("algorithm name too long: %q", h.Algorithm)
	}
	buf := make([]byte, 0, 4+1+len(h.Algorithm)+16)
	buf = append(buf, dumpMagic...)
	buf = append(buf, byte(len(h.Algorithm)))
	buf = append(buf, h.Algorithm...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.ChunkSize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.TotalSize))
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (*dumpHeader, error) {
	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(fixed[:4]) != dumpMagic {
		return nil, errors.Errorf("bad magic %q", fixed[:4])
	}
	rest := make([]byte, int(fixed[4])+16)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	n := int(fixed[4])
	h := &dumpHeader{
		Algorithm: string(rest[:n]),
		ChunkSize: int64(binary.BigEndian.Uint64(rest[n:])),
		TotalSize: int64(binary.BigEndian.Uint64(rest[n+8:])),
	}
	if h.ChunkSize <= 0 || h.ChunkSize > maxDumpChunk || h.TotalSize < 0 {
		return nil, errors.Errorf("bad header: chunk size %d, total size %d", h.ChunkSize, h.TotalSize)
	}
	return h, nil
}

func writeFrame(w io.Writer, raw, comp []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(raw)))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(comp)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(comp)
	return err
}

// readFrame returns the raw and compressed lengths of the next frame and
// reads its payload into buf, which must hold compLen bytes.
func readFrame(r io.Reader, buf []byte) (int, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	rawLen := int(binary.BigEndian.Uint32(hdr[:4]))
	compLen := int(binary.BigEndian.Uint32(hdr[4:]))
	if compLen > len(buf) {
		return 0, nil, errors.Errorf("frame of %d bytes exceeds bound %d", compLen, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:compLen]); err != nil {
		return 0, nil, errors.Wrap(err, "read frame")
	}
	return rawLen, buf[:compLen], nil
}

func dumpFlags() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "write the content of a file chunk by chunk as compressed frames",
		ArgsUsage: "FILE OUTPUT",
		Description: `
Every chunk covering the file is acquired and its nominal region is written
as one frame. Acquiring the last chunk grows FILE to a whole chunk plus the
overlap; the original length is kept in the dump header.`,
		Action: dump,
		Flags: append(layoutFlags(),
			&cli.StringFlag{
				Name:  "compress",
				Value: "lz4",
				Usage: "compression algorithm: lz4, zstd, none",
			},
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit bandwidth of the output in MiB/s (0 means unlimited)",
			},
		),
	}
}

func dumpChunk(f *chunk.File, pos, n int64, comp compress.Compressor, buf []byte, w io.Writer) error {
	c, err := f.Acquire(pos)
	if err != nil {
		return err
	}
	defer c.Release()
	r, err := chunk.NewChunkReader(c)
	if err != nil {
		return err
	}
	defer r.Close()
	raw := make([]byte, n)
	if _, err = r.ReadAt(raw, pos-c.Offset()); err != nil && err != io.EOF {
		return err
	}
	size, err := comp.Compress(buf, raw)
	if err != nil {
		return errors.Wrapf(err, "compress %s", c)
	}
	return writeFrame(w, raw, buf[:size])
}

func dump(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("FILE and OUTPUT are needed")
	}
	path, output := ctx.Args().Get(0), ctx.Args().Get(1)
	comp := compress.NewCompressor(ctx.String("compress"))
	if comp == nil {
		return fmt.Errorf("unknown compression algorithm: %s", ctx.String("compress"))
	}
	if !utils.Exists(path) {
		return fmt.Errorf("%s does not exist", path)
	}
	f, err := openFile(ctx, path, nil)
	if err != nil {
		logger.Fatalf("open %s: %s", path, err)
	}
	defer f.Close()
	if f.ChunkSize() > maxDumpChunk {
		return fmt.Errorf("chunk size %d exceeds the dump limit %d", f.ChunkSize(), maxDumpChunk)
	}
	total, err := f.Size()
	if err != nil {
		logger.Fatalf("stat %s: %s", path, err)
	}

	out, err := os.Create(output)
	if err != nil {
		logger.Fatalf("create %s: %s", output, err)
	}
	defer out.Close()
	w := bufio.NewWriterSize(utils.LimitWriter(out, utils.NewBucket(ctx.Int64("bwlimit")<<20)), 1<<20)

	cs := f.ChunkSize()
	if err = writeHeader(w, &dumpHeader{Algorithm: comp.Name(), ChunkSize: cs, TotalSize: total}); err != nil {
		logger.Fatalf("write %s: %s", output, err)
	}
	chunks := (total + cs - 1) / cs
	progress, bar := utils.NewDynProgressBar("dumping chunks: ", ctx.Bool("quiet"))
	bar.SetTotal(chunks, false)
	buf := make([]byte, comp.CompressBound(int(cs)))
	for pos := int64(0); pos < total; pos += cs {
		if err = dumpChunk(f, pos, utils.Min(cs, total-pos), comp, buf, w); err != nil {
			logger.Fatalf("dump %s at %d: %s", path, pos, err)
		}
		bar.Increment()
	}
	bar.SetTotal(-1, true)
	progress.Wait()
	if err = w.Flush(); err != nil {
		logger.Fatalf("write %s: %s", output, err)
	}
	if err = out.Sync(); err != nil {
		logger.Fatalf("sync %s: %s", output, err)
	}
	logger.Infof("Dumped %d bytes of %s in %d chunks to %s (%s)", total, path, chunks, output, comp.Name())
	return nil
}
