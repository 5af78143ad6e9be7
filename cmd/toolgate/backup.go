package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"toolgate/internal/config"

	"github.com/spf13/cobra"
)

// Archive layout: the config file at the root, generated tracks under music/.
const musicPrefix = "music/"

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config file and generated music tracks",
		Long: `Creates a compressed .tar.gz archive containing the config file and
every track in tools.music.outputDir. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("toolgate-backup-%s.tar.gz", ts))
			}

			entries := map[string]string{} // archive name -> source path
			if _, err := os.Stat(cfgPath); err == nil {
				entries[filepath.Base(cfgPath)] = cfgPath
			}
			tracks, err := os.ReadDir(cfg.Tools.Music.OutputDir)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("read music directory: %w", err)
			}
			for _, t := range tracks {
				if t.Type().IsRegular() {
					entries[musicPrefix+t.Name()] = filepath.Join(cfg.Tools.Music.OutputDir, t.Name())
				}
			}

			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, music: %s)", cfgPath, cfg.Tools.Music.OutputDir)
			}

			total, err := createTarGz(outputPath, entries)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d (%s)\n", len(entries), humanSize(total))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.toolgate/backups/toolgate-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the config file and music tracks from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()

			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("WARNING: This will overwrite %s.\n", cfgPath)
				fmt.Printf("Use --force to skip this warning.\n")
				return fmt.Errorf("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(args[0], cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files without warning")
	return cmd
}

// createTarGz writes entries into a .tar.gz archive and returns the number of
// payload bytes written.
func createTarGz(outputPath string, entries map[string]string) (int64, error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	// Root entries (the config file) go first so restore can read it before
	// placing tracks.
	names := slices.SortedFunc(maps.Keys(entries), func(a, b string) int {
		if ra, rb := !strings.Contains(a, "/"), !strings.Contains(b, "/"); ra != rb {
			if ra {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})

	var total int64
	for _, name := range names {
		src := entries[name]
		n, err := addFileToTar(tarWriter, name, src)
		if err != nil {
			return 0, fmt.Errorf("add %s: %w", src, err)
		}
		total += n
	}
	return total, nil
}

func addFileToTar(tw *tar.Writer, name, src string) (int64, error) {
	file, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	return io.Copy(tw, file)
}

// extractTarGz restores the config file to cfgPath and tracks into the music
// directory named by the restored (or current) config.
func extractTarGz(archivePath, cfgPath string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	var musicDir string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		var targetPath string
		switch name := path.Clean(header.Name); {
		case strings.HasPrefix(name, musicPrefix):
			base := path.Base(name)
			if base == "." || base == ".." || strings.Contains(strings.TrimPrefix(name, musicPrefix), "/") {
				continue
			}
			if musicDir == "" {
				cfg, err := config.LoadOrDefaults(cfgPath)
				if err != nil {
					return nil, fmt.Errorf("load restored config: %w", err)
				}
				musicDir = cfg.Tools.Music.OutputDir
			}
			targetPath = filepath.Join(musicDir, base)
		case !strings.Contains(name, "/"):
			targetPath = cfgPath
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
