package fetch

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/astbridge/astbuild/src/artifacts"
	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fetch/fetchtest"
)

type fakeLogBackend struct{}

func (*fakeLogBackend) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	if level == logging.CRITICAL {
		panic(rec.Message())
	}
	fmt.Printf("%s\n", rec.Message())
	return nil
}

func TestMain(m *testing.M) {
	// Reset this so it panics instead of exiting on Fatal messages
	logging.SetBackend(&fakeLogBackend{})
	os.Exit(m.Run())
}

var llvmFiles = map[string]string{
	"llvm-6.0.0.src/CMakeLists.txt":       "project(LLVM)\n",
	"llvm-6.0.0.src/tools/CMakeLists.txt": "add_llvm_tool_subdirectory(llvm-config)\n",
	"llvm-6.0.0.src/LICENSE.TXT":          "-> CMakeLists.txt",
}

func signedArchive(t *testing.T, server *fetchtest.Server, dir string) (core.Archive, *fetchtest.Signer, []byte) {
	signer := fetchtest.NewSigner(t)
	content := fetchtest.TarXz(t, llvmFiles)
	url := server.Add("/6.0.0/llvm-6.0.0.src.tar.xz", content)
	return core.Archive{
		Name:         "llvm",
		URL:          cli.URL(url),
		SignatureURL: cli.URL(url + ".sig"),
		File:         filepath.Join(dir, "llvm-6.0.0.src.tar.xz"),
		TopDir:       "llvm-6.0.0.src",
		Dest:         filepath.Join(dir, "llvm-6.0.0", "src"),
	}, signer, content
}

func TestFetchVerified(t *testing.T) {
	server := fetchtest.NewServer(t)
	dir := t.TempDir()
	a, signer, content := signedArchive(t, server, dir)
	server.Add("/6.0.0/llvm-6.0.0.src.tar.xz.sig", signer.Sign(t, content))
	verifier, err := NewVerifier(signer.PublicKey(t))
	require.NoError(t, err)

	f := New(false)
	downloaded, err := f.Fetch(context.Background(), a, verifier)
	require.NoError(t, err)
	assert.True(t, downloaded)
	b, err := os.ReadFile(a.File)
	require.NoError(t, err)
	assert.Equal(t, content, b)
	assert.Equal(t, 1, server.Hits("/6.0.0/llvm-6.0.0.src.tar.xz"))
	assert.Equal(t, 1, server.Hits("/6.0.0/llvm-6.0.0.src.tar.xz.sig"))

	// A second fetch touches neither the network nor the file.
	downloaded, err = f.Fetch(context.Background(), a, verifier)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.Equal(t, 2, server.TotalHits())
}

func TestFetchArmoredSignature(t *testing.T) {
	server := fetchtest.NewServer(t)
	dir := t.TempDir()
	a, signer, content := signedArchive(t, server, dir)
	server.Add("/6.0.0/llvm-6.0.0.src.tar.xz.sig", signer.ArmoredSign(t, content))
	verifier, err := NewVerifier(signer.PublicKey(t))
	require.NoError(t, err)
	downloaded, err := New(false).Fetch(context.Background(), a, verifier)
	assert.NoError(t, err)
	assert.True(t, downloaded)
}

func TestFetchTampered(t *testing.T) {
	server := fetchtest.NewServer(t)
	dir := t.TempDir()
	a, signer, _ := signedArchive(t, server, dir)
	server.Add("/6.0.0/llvm-6.0.0.src.tar.xz.sig", signer.Sign(t, []byte("something else entirely")))
	verifier, err := NewVerifier(signer.PublicKey(t))
	require.NoError(t, err)

	_, err = New(false).Fetch(context.Background(), a, verifier)
	var sigErr *SignatureVerificationError
	require.True(t, errors.As(err, &sigErr))
	assert.Equal(t, "llvm", sigErr.Archive)
	// Nothing is left behind to be trusted next time.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, len(entries))
}

func TestFetchWrongKey(t *testing.T) {
	server := fetchtest.NewServer(t)
	a, signer, content := signedArchive(t, server, t.TempDir())
	server.Add("/6.0.0/llvm-6.0.0.src.tar.xz.sig", signer.Sign(t, content))
	verifier, err := NewVerifier(fetchtest.NewSigner(t).PublicKey(t))
	require.NoError(t, err)
	_, err = New(false).Fetch(context.Background(), a, verifier)
	var sigErr *SignatureVerificationError
	assert.True(t, errors.As(err, &sigErr))
	assert.False(t, artifacts.Checker{}.IsPresent(artifacts.RegularFile(a.File)))
}

func TestFetchNotFound(t *testing.T) {
	server := fetchtest.NewServer(t)
	a := core.Archive{
		Name: "tinycbor",
		URL:  cli.URL(server.URL + "/v0.5.0"),
		File: filepath.Join(t.TempDir(), "tinycbor-0.5.0.tar.gz"),
	}
	_, err := New(false).Fetch(context.Background(), a, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, a.File)
}

func TestFetchSignedWithoutKey(t *testing.T) {
	server := fetchtest.NewServer(t)
	a, _, _ := signedArchive(t, server, t.TempDir())
	_, err := New(false).Fetch(context.Background(), a, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, server.TotalHits())
}

func TestInstallKey(t *testing.T) {
	server := fetchtest.NewServer(t)
	signer := fetchtest.NewSigner(t)
	url := server.Add("/6.0.0/hans-gpg-key.asc", signer.PublicKey(t))
	path := filepath.Join(t.TempDir(), "hans-gpg-key.asc")

	f := New(false)
	installed, err := f.InstallKey(context.Background(), path, cli.URL(url))
	require.NoError(t, err)
	assert.True(t, installed)
	_, err = LoadVerifier(path)
	assert.NoError(t, err)

	installed, err = f.InstallKey(context.Background(), path, cli.URL(url))
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, 1, server.TotalHits())
}

func TestInstallKeyRejectsGarbage(t *testing.T) {
	server := fetchtest.NewServer(t)
	url := server.Add("/key.asc", []byte("<html>not a key</html>"))
	path := filepath.Join(t.TempDir(), "key.asc")
	_, err := New(false).InstallKey(context.Background(), path, cli.URL(url))
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestLoadVerifierMissing(t *testing.T) {
	_, err := LoadVerifier(filepath.Join(t.TempDir(), "nope.asc"))
	var missing *artifacts.MissingArtifactError
	assert.True(t, errors.As(err, &missing))
}

func TestPEMVerifier(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := cryptoutils.MarshalPublicKeyToPEM(priv.Public())
	require.NoError(t, err)
	verifier, err := NewVerifier(pub)
	require.NoError(t, err)

	message := []byte("tinycbor-0.5.0.tar.gz contents")
	digest := sha256.Sum256(message)
	sig, err := priv.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(bytes.NewReader(message), sig))
	assert.Error(t, verifier.Verify(bytes.NewReader([]byte("tampered")), sig))
}
