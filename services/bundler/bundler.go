// Package bundler packs ETL job code into signed tar.zst bundles and verifies
// them on the compute unit before the job runs.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"spotetl/pkg/s3"
)

const (
	manifestFileName = "manifest.yaml"
	jobTarPrefix     = "job"
)

// ErrVerification is returned when a bundle fails signature or digest checks.
var ErrVerification = errors.New("bundle verification failed")

// Build assembles a bundle from SourceDir and writes the tar.zst archive to Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.SourceDir == "" {
		return nil, errors.New("source directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = DefaultEntrypoint
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %q is not a directory", cfg.SourceDir)
	}

	entries, err := collectFiles(ctx, cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no files found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	entrypoint := filepath.ToSlash(filepath.Clean(cfg.Entrypoint))
	if !hasFile(entries, entrypoint) {
		return nil, fmt.Errorf("entrypoint %q not found in %s", entrypoint, cfg.SourceDir)
	}

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Entrypoint:       entrypoint,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Files:            entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.SourceDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(entries))
	return manifest, nil
}

func hasFile(entries []ManifestFile, path string) bool {
	for _, e := range entries {
		if e.Path == path {
			return true
		}
	}
	return false
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		size, sum, err := digestFile(path)
		if err != nil {
			return err
		}

		files = append(files, ManifestFile{
			Path:       rel,
			Executable: info.Mode().Perm()&0o111 != 0,
			Size:       size,
			SHA256:     sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func digestFile(path string) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", path, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func writeBundle(output string, manifest []byte, sourceDir string, entries []ManifestFile) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, sourceDir, entry); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(tw *tar.Writer, sourceDir string, entry ManifestFile) error {
	fullPath := filepath.Join(sourceDir, filepath.FromSlash(entry.Path))
	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:     jobTarPrefix + "/" + entry.Path,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// Extract unpacks a bundle archive into dest without verifying it.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", dest, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", root, err)
	}

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(root, filepath.Clean(header.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("invalid entry path %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, fs.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("extract %q: %w", header.Name, err)
			}
		}
	}
}

func writeEntry(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// VerifyDir checks an extracted bundle: the manifest signature against
// signer and every listed file against its recorded size and digest.
func VerifyDir(ctx context.Context, dir string, signer *Signer) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrVerification, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest: %v", ErrVerification, err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("%w: unsupported manifest version %q", ErrVerification, manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, fmt.Errorf("%w: manifest missing signature", ErrVerification)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	for _, file := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, jobTarPrefix, filepath.FromSlash(filepath.Clean(file.Path)))
		if err := validateFile(path, file); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerification, err)
		}
	}
	return &manifest, nil
}

// Verify extracts the archive at path into a temporary directory and verifies it.
func Verify(ctx context.Context, path string, signer *Signer) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	tempDir, err := os.MkdirTemp("", "spotetl-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := Extract(ctx, file, tempDir); err != nil {
		return nil, err
	}
	return VerifyDir(ctx, tempDir, signer)
}

func validateFile(path string, file ManifestFile) error {
	size, sum, err := digestFile(path)
	if err != nil {
		return err
	}
	if size != file.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", file.Path, file.Size, size)
	}
	if !strings.EqualFold(sum, file.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", file.Path)
	}
	return nil
}

// Uploader is the code storage surface Push needs.
type Uploader interface {
	PutObject(ctx context.Context, loc s3.Location, r io.Reader, size int64, sha256 string) error
}

// Push uploads the bundle archive at path to loc in code storage.
func Push(ctx context.Context, up Uploader, path string, loc s3.Location, stdout io.Writer) error {
	if up == nil {
		return errors.New("uploader is required")
	}
	if stdout == nil {
		stdout = io.Discard
	}

	size, sum, err := digestFile(path)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	if err := up.PutObject(ctx, loc, file, size, sum); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	fmt.Fprintf(stdout, "uploaded %s to %s (%d bytes)\n", filepath.Base(path), loc, size)
	return nil
}
