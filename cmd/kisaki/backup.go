package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the settings database and config into a .tar.gz",
		Long: `Writes the settings database (with its WAL and SHM files when present)
and the config file into one gzip-compressed tar archive. Without --output the
archive lands in <dataDir>/backups with a timestamped name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			files := backupFiles(cfg.Settings.DBPath, cfgPath)
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up: neither %s nor %s exists", cfg.Settings.DBPath, cfgPath)
			}

			if outputPath == "" {
				outputPath = filepath.Join(cfg.General.DataDir, "backups",
					"kisaki-"+time.Now().Format("20060102-150405")+".tar.gz")
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
				return fmt.Errorf("backup dir: %w", err)
			}

			if err := createTarGz(outputPath, files); err != nil {
				os.Remove(outputPath)
				return fmt.Errorf("backup: %w", err)
			}

			var total uint64
			for _, f := range files {
				if info, err := os.Stat(f); err == nil {
					total += uint64(info.Size())
					fmt.Printf("  + %-24s %s\n", filepath.Base(f), humanize.Bytes(uint64(info.Size())))
				}
			}
			fmt.Printf("Wrote %s (%d files, %s before compression)\n", outputPath, len(files), humanize.Bytes(total))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default <dataDir>/backups/kisaki-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore the settings database and config from a backup archive",
		Long: `Unpacks an archive made by 'kisaki backup' over the configured settings
database and config file. Refuses to run while a kisaki host holds the
instance lock, and refuses to overwrite existing files without --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive := args[0]
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbPath := cfg.Settings.DBPath

			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				return err
			}
			lock := flock.New(filepath.Join(cfg.General.DataDir, "kisaki.lock"))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("instance lock: %w", err)
			}
			if !locked {
				return errors.New("a kisaki host is running; stop it before restoring")
			}
			defer lock.Unlock()

			if !force {
				var present []string
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						present = append(present, p)
					}
				}
				if len(present) > 0 {
					return fmt.Errorf("restore would overwrite %s; rerun with --force", strings.Join(present, ", "))
				}
			}

			restored, err := extractTarGz(archive, dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			for _, f := range restored {
				fmt.Printf("  restored %s\n", f)
			}
			fmt.Printf("Restored %d files from %s\n", len(restored), archive)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing database and config")
	return cmd
}

// backupFiles lists the database, its WAL and SHM companions, and the config
// file, skipping any that do not exist.
func backupFiles(dbPath, cfgPath string) []string {
	var files []string
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm", cfgPath} {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			files = append(files, p)
		}
	}
	return files
}

// createTarGz writes files into a gzip tar at path, flattened to base names.
func createTarGz(path string, files []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return writeArchive(f, files)
}

func writeArchive(w io.Writer, files []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, p := range files {
		if err := appendFile(tw, p); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func appendFile(tw *tar.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.Base(path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.CopyN(tw, src, info.Size())
	return err
}

// restoreTarget maps an archived base name to its destination, or "" for
// entries that are not part of a kisaki backup.
func restoreTarget(name, dbPath, cfgPath string) string {
	if name == filepath.Base(cfgPath) {
		return cfgPath
	}
	for _, suffix := range []string{"-wal", "-shm", ""} {
		if strings.HasSuffix(name, ".db"+suffix) {
			return dbPath + suffix
		}
	}
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return filepath.Join(filepath.Dir(cfgPath), name)
	}
	return ""
}

// extractTarGz unpacks a backup archive and returns the written paths.
func extractTarGz(archive, dbPath, cfgPath string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not a gzip archive: %w", archive, err)
	}
	defer gz.Close()

	var written []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := restoreTarget(filepath.Base(hdr.Name), dbPath, cfgPath)
		if dest == "" {
			logger.Warn("ignoring archive entry", "name", hdr.Name)
			continue
		}
		if err := writeEntry(dest, tr); err != nil {
			return written, err
		}
		written = append(written, dest)
	}
}

func writeEntry(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return out.Close()
}
