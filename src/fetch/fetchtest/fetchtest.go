// Package fetchtest builds archives, keys and signatures for tests of code that downloads things.
package fetchtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// Tar returns an uncompressed tarball of the given files, keyed by path.
// Directories are created implicitly; a value starting with "-> " becomes a symlink.
func Tar(t testing.TB, files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		contents := files[name]
		if strings.HasPrefix(contents, "-> ") {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Linkname: strings.TrimPrefix(contents, "-> "),
				Mode:     0777,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(contents)),
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// TarGz returns a gzipped tarball of the given files.
func TarGz(t testing.TB, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(Tar(t, files))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// TarXz returns an xz-compressed tarball of the given files.
func TarXz(t testing.TB, files map[string]string) []byte {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write(Tar(t, files))
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

// A Signer holds a freshly generated OpenPGP key.
type Signer struct {
	entity *openpgp.Entity
}

// NewSigner generates a new OpenPGP key.
func NewSigner(t testing.TB) *Signer {
	entity, err := openpgp.NewEntity("Release Signer", "test", "releases@example.com", nil)
	require.NoError(t, err)
	return &Signer{entity: entity}
}

// PublicKey returns the armored public key.
func (s *Signer) PublicKey(t testing.TB) []byte {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, s.entity.Serialize(w))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// Sign returns a binary detached signature of the given data.
func (s *Signer) Sign(t testing.TB, data []byte) []byte {
	var buf bytes.Buffer
	require.NoError(t, openpgp.DetachSign(&buf, s.entity, bytes.NewReader(data), nil))
	return buf.Bytes()
}

// ArmoredSign returns an armored detached signature of the given data.
func (s *Signer) ArmoredSign(t testing.TB, data []byte) []byte {
	var buf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), nil))
	return buf.Bytes()
}

// A Server serves fixed content by path and counts the requests it receives.
type Server struct {
	*httptest.Server
	mutex sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

// NewServer starts a new Server. It is closed when the test finishes.
func NewServer(t testing.TB) *Server {
	s := &Server{files: map[string][]byte{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Add serves the given content at the given path and returns its full URL.
func (s *Server) Add(path string, content []byte) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.files[path] = content
	return s.URL + path
}

// Hits returns the number of requests made for the given path.
func (s *Server) Hits(path string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.hits[path]
}

// TotalHits returns the number of requests made for any path.
func (s *Server) TotalHits() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	s.hits[r.URL.Path]++
	content, present := s.files[r.URL.Path]
	s.mutex.Unlock()
	if !present {
		http.NotFound(w, r)
		return
	}
	w.Write(content)
}
