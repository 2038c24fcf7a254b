package bundler

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotetl/pkg/s3"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(identity.String(), "")
	require.NoError(t, err)
	return signer
}

func writeJobTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sql"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "etl-runner"), []byte("#!/bin/sh\necho run\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sql", "extract.sql"), []byte("select 1"), 0o644))
	return dir
}

func buildBundle(t *testing.T, signer *Signer) (string, *Manifest) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "dist", "etl-runner.tar.zst")
	var stdout bytes.Buffer
	manifest, err := Build(context.Background(), BuildConfig{
		SourceDir: writeJobTree(t),
		Output:    out,
		Signer:    signer,
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		Stdout:    &stdout,
	})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "2 files")
	return out, manifest
}

func TestBuildAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	out, manifest := buildBundle(t, signer)

	assert.Equal(t, DefaultEntrypoint, manifest.Entrypoint)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, "bin/etl-runner", manifest.Files[0].Path)
	assert.True(t, manifest.Files[0].Executable)
	assert.False(t, manifest.Files[1].Executable)
	assert.NotEmpty(t, manifest.Signer)

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)

	got, err := Verify(context.Background(), out, verifier)
	require.NoError(t, err)
	assert.Equal(t, manifest.Signature, got.Signature)
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	out, _ := buildBundle(t, newTestSigner(t))

	_, err := Verify(context.Background(), out, newTestSigner(t))
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifyDirDetectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	out, _ := buildBundle(t, signer)

	file, err := os.Open(out)
	require.NoError(t, err)
	defer file.Close()

	dir := t.TempDir()
	require.NoError(t, Extract(context.Background(), file, dir))

	info, err := os.Stat(filepath.Join(dir, "job", "bin", "etl-runner"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)

	_, err = VerifyDir(context.Background(), dir, signer)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "job", "sql", "extract.sql"), []byte("drop table x"), 0o644))
	_, err = VerifyDir(context.Background(), dir, signer)
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifyDirMissingManifest(t *testing.T) {
	_, err := VerifyDir(context.Background(), t.TempDir(), newTestSigner(t))
	require.ErrorIs(t, err, ErrVerification)
}

func TestBuildRequiresEntrypoint(t *testing.T) {
	_, err := Build(context.Background(), BuildConfig{
		SourceDir:  writeJobTree(t),
		Entrypoint: "bin/missing",
		Output:     filepath.Join(t.TempDir(), "b.tar.zst"),
		Signer:     newTestSigner(t),
		Stdout:     io.Discard,
	})
	require.ErrorContains(t, err, "bin/missing")
}

func TestNewSignerValidation(t *testing.T) {
	_, err := NewSigner("", "")
	require.Error(t, err)

	_, err = NewSigner("", "not-base64!")
	require.Error(t, err)

	_, err = NewSigner("AGE-SECRET-KEY-1INVALID", "")
	require.Error(t, err)

	pubOnly, err := NewSigner("", newTestSigner(t).PublicKeyBase64())
	require.NoError(t, err)
	_, err = pubOnly.Sign([]byte("x"))
	require.Error(t, err)
}

type recordingUploader struct {
	loc  s3.Location
	size int64
	sum  string
	body []byte
}

func (r *recordingUploader) PutObject(_ context.Context, loc s3.Location, body io.Reader, size int64, sum string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	r.loc, r.size, r.sum, r.body = loc, size, sum, data
	return nil
}

func TestPush(t *testing.T) {
	out, _ := buildBundle(t, newTestSigner(t))
	up := &recordingUploader{}
	loc := s3.Location{Bucket: "dev-etl-bucket", Key: "etl-runner.tar.zst"}

	var stdout bytes.Buffer
	require.NoError(t, Push(context.Background(), up, out, loc, &stdout))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, loc, up.loc)
	assert.Equal(t, int64(len(raw)), up.size)
	assert.Equal(t, raw, up.body)
	assert.Len(t, up.sum, 64)
	assert.Contains(t, stdout.String(), "s3://dev-etl-bucket/etl-runner.tar.zst")
}
