package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/urfave/cli/v3"
)

// defaultBundleFiles is the exported model bundle layout: the manifest, the
// compiled graphs it names and the raw embedding tables.
var defaultBundleFiles = []string{
	"model.json",
	"prefill.onnx",
	"decode.onnx",
	"vocoder.onnx",
	"speech.bin",
	"text.bin",
	"pos.bin",
}

func fetchCmd() *cli.Command {
	var (
		repoID   string
		outDir   string
		fileList string
		hfToken  string
	)

	return &cli.Command{
		Name:  "fetch",
		Usage: "Download a model bundle from HuggingFace hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "repo",
				Aliases:     []string{"r"},
				Usage:       "HuggingFace repo carrying the exported bundle",
				Destination: &repoID,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "destination directory (default <models-path>/<repo name>)",
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "files",
				Usage:       "comma-separated bundle files to download",
				Value:       strings.Join(defaultBundleFiles, ","),
				Destination: &fileList,
			},
			&cli.StringFlag{
				Name:        "hf-token",
				Usage:       "HuggingFace auth token (falls back to HF_TOKEN)",
				Destination: &hfToken,
			},
			modelsPathFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyFetchConfig(c, cfg)

			if strings.TrimSpace(repoID) == "" {
				return cli.Exit("error: --repo is required", 1)
			}
			dest, err := resolveFetchDest(outDir, repoID)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			names := splitFileList(fileList)
			if len(names) == 0 {
				return cli.Exit("error: --files is empty", 1)
			}
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: create %s: %v", dest, err), 1)
			}

			fmt.Printf("Fetching %s\n", repoID)
			repo := hub.New(repoID).WithProgressBar(true)
			auth := hfToken
			if auth == "" {
				auth = os.Getenv("HF_TOKEN")
			}
			if auth != "" {
				repo = repo.WithAuth(auth)
			}
			if err := repo.DownloadInfo(false); err != nil {
				return cli.Exit(fmt.Sprintf("error: repo info: %v", err), 1)
			}

			for _, name := range names {
				cached, err := repo.DownloadFile(name)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: download %s: %v", name, err), 1)
				}
				if err := copyFile(cached, filepath.Join(dest, filepath.Base(name))); err != nil {
					return cli.Exit(fmt.Sprintf("error: copy %s: %v", name, err), 1)
				}
			}

			fmt.Printf("Fetched %d files into %s\n", len(names), dest)
			return nil
		},
	}
}

// resolveFetchDest picks the destination directory: an explicit --out wins,
// otherwise the models directory plus the repo's base name.
func resolveFetchDest(outFlag, repoID string) (string, error) {
	if strings.TrimSpace(outFlag) != "" {
		return filepath.Clean(outFlag), nil
	}
	dir := strings.TrimSpace(modelsPath)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envAriaModelsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--out or --models-path is required unless %s is set", envAriaModelsDir)
	}
	base := filepath.Base(strings.TrimSuffix(strings.TrimSpace(repoID), "/"))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid repo id %q", repoID)
	}
	return filepath.Join(dir, base), nil
}

func splitFileList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
