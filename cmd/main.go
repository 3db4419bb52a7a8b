// cmd/main.go

package main

import (
	"fmt"
	"os"

	"AveMap/pkg/chunk"
	"AveMap/pkg/lock"
	"AveMap/pkg/utils"
	"AveMap/pkg/version"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = utils.GetLogger("avemap")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.BoolFlag{
			Name:  "no-agent",
			Usage: "disable gops agent",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "path of log file, stderr by default",
		},
	}
}

func layoutFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:  "chunk-size",
			Value: chunk.DefaultChunkSize >> 20,
			Usage: "size of each chunk in MiB",
		},
		&cli.Int64Flag{
			Name:  "overlap-size",
			Value: -1,
			Usage: "bytes in KiB mapped past the end of each chunk (-1 for a quarter of the chunk)",
		},
		&cli.StringFlag{
			Name:  "redis-lock",
			Usage: "Redis URL to serialize file growth with, instead of flock",
		},
	}
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if p := c.String("log"); p != "" {
		if err := utils.SetOutFile(p); err != nil {
			logger.Warnf("open log file %s: %s", p, err)
		}
	}
}

func setup(c *cli.Context) error {
	setLoggerLevel(c)
	if !c.Bool("no-agent") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Debugf("gops agent: %s", err)
		}
	}
	return nil
}

// newConfig builds the chunk layout from the command flags.
func newConfig(c *cli.Context, reg prometheus.Registerer) (*chunk.Config, error) {
	conf := &chunk.Config{
		ChunkSize:   c.Int64("chunk-size") << 20,
		OverlapSize: c.Int64("overlap-size"),
		Registerer:  reg,
	}
	if conf.OverlapSize > 0 {
		conf.OverlapSize <<= 10
	}
	if conf.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d MiB", c.Int64("chunk-size"))
	}
	if addr := c.String("redis-lock"); addr != "" {
		l, err := lock.NewRedisLocker(addr, nil)
		if err != nil {
			return nil, err
		}
		if err = l.Ping(c.Context); err != nil {
			return nil, fmt.Errorf("redis %s: %s", l, err)
		}
		conf.Locker = l
	}
	return conf, nil
}

func openFile(c *cli.Context, path string, reg prometheus.Registerer) (*chunk.File, error) {
	conf, err := newConfig(c, reg)
	if err != nil {
		return nil, err
	}
	f, err := chunk.Open(path, conf)
	if err != nil {
		return nil, err
	}
	logger.Debugf("opened %s", f)
	return f, nil
}

func Main(args []string) error {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	app := &cli.App{
		Name:                 "avemap",
		Usage:                "inspect and fill chunked memory-mapped files",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Before:               setup,
		Commands: []*cli.Command{
			infoFlags(),
			fillFlags(),
			dumpFlags(),
			restoreFlags(),
		},
	}
	return app.Run(args)
}

func main() {
	if err := Main(os.Args); err != nil {
		logger.Fatal(err)
	}
}
