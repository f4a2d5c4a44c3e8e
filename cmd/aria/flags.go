package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/aria/internal/logger"
)

var (
	modelPath  string
	modelsPath string
	ortLibrary string
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model directory or its model.json",
			Destination: &modelPath,
		},
		modelsPathFlag(),
		&cli.StringFlag{
			Name:        "ort-lib",
			Usage:       "path to the onnxruntime shared library",
			Destination: &ortLibrary,
		},
	}
}

func modelsPathFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "models-path",
		Aliases:     []string{"path"},
		Usage:       "path to directory containing model directories",
		Destination: &modelsPath,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	return logger.ForFormat(logFormat, level, os.Stderr)
}
