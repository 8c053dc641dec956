package mega

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Download is the state of the transfer of one file
type Download struct {
	m           *Mega
	id          uuid.UUID
	src         *DecryptedNode
	resourceUrl string
	data        DecryptData
	chunks      []chunkSize
	log         zerolog.Logger
}

// NewDownload asks the server where the contents of src live.
//
// Call Copy to fetch, decrypt and verify them.
func (m *Mega) NewDownload(ctx context.Context, src *DecryptedNode) (*Download, error) {
	if src == nil {
		return nil, EARGS
	}
	if src.data == nil {
		return nil, fmt.Errorf("node %s: no file key: %w", src.Hash, EARGS)
	}

	var msg [1]DownloadMsg
	var res [1]DownloadResp

	msg[0].Cmd = "g"
	msg[0].G = 1
	if src.public {
		msg[0].P = src.Hash
	} else {
		msg[0].N = src.Hash
	}
	if m.HTTPS {
		msg[0].SSL = 2
	}
	var query map[string]string
	if src.folder != "" {
		query = map[string]string{"n": src.folder}
	}

	err := m.withRetry(ctx, "g", func() error {
		return m.api_call(ctx, msg, &res, query)
	})
	if err != nil {
		return nil, err
	}

	// DownloadResp has an embedded error in it for some reason
	if res[0].Err != 0 {
		return nil, parseError(res[0].Err)
	}
	if res[0].G == "" {
		return nil, fmt.Errorf("%w: no download url for %s", EBADRESP, src.Hash)
	}

	key, err := a32_to_bytes(src.data.ContentKey[:])
	if err != nil {
		return nil, err
	}
	if _, err = decryptAttr(key, res[0].Attr); err != nil {
		return nil, err
	}

	downloadUrl := res[0].G
	if m.HTTPS && strings.HasPrefix(downloadUrl, "http://") {
		downloadUrl = "https://" + strings.TrimPrefix(downloadUrl, "http://")
	}

	d := &Download{
		m:           m,
		id:          uuid.New(),
		src:         src,
		resourceUrl: downloadUrl,
		data:        *src.data,
	}
	if res[0].Size != d.data.FileSize {
		m.log.Warn().Str("node", src.Hash).Int64("listed", d.data.FileSize).Int64("served", res[0].Size).Msg("File size changed")
		d.data.FileSize = res[0].Size
	}
	d.chunks = getChunkSizes(d.data.FileSize)
	d.log = m.log.With().Str("download", d.id.String()).Str("node", src.Hash).Logger()
	d.log.Debug().Int64("size", d.data.FileSize).Int("chunks", len(d.chunks)).Msg("Download ready")
	return d, nil
}

// ID is the correlation id of the download in the logs
func (d *Download) ID() string {
	return d.id.String()
}

// Size returns the file size as served
func (d *Download) Size() int64 {
	return d.data.FileSize
}

// Chunks returns The number of chunks in the download.
func (d *Download) Chunks() int {
	return len(d.chunks)
}

// ChunkLocation returns the position in the file and the size of the chunk
func (d *Download) ChunkLocation(id int) (position int64, size int, err error) {
	if id < 0 || id >= len(d.chunks) {
		return 0, 0, EARGS
	}
	return d.chunks[id].position, d.chunks[id].size, nil
}

// DownloadChunk fetches the still encrypted chunk with the given number
func (d *Download) DownloadChunk(ctx context.Context, id int) (chunk []byte, err error) {
	chk_start, chk_size, err := d.ChunkLocation(id)
	if err != nil {
		return nil, err
	}

	chunk_url := fmt.Sprintf("%s/%d-%d", d.resourceUrl, chk_start, chk_start+int64(chk_size)-1)
	sleepTime := minSleepTime // inital backoff time
	for retry := 0; retry < d.m.Retries+1; retry++ {
		if retry != 0 {
			d.log.Debug().Err(err).Int("chunk", id).Int("attempt", retry).Msg("Retry download chunk")
			if serr := backOffSleep(ctx, &sleepTime); serr != nil {
				return nil, serr
			}
		}
		chunk, err = d.fetch(ctx, chunk_url)
		if err == nil && len(chunk) != chk_size {
			err = fmt.Errorf("wrong size for downloaded chunk %d: %d != %d", id, len(chunk), chk_size)
		}
		if err == nil {
			return chunk, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func (d *Download) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("Http Status: " + resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// chunkReader reads the ciphertext of a download chunk by chunk
type chunkReader struct {
	ctx  context.Context
	d    *Download
	next int
	buf  []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next == len(r.d.chunks) {
			return 0, io.EOF
		}
		chunk, err := r.d.DownloadChunk(r.ctx, r.next)
		if err != nil {
			return 0, err
		}
		r.buf = chunk
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Copy writes the decrypted file to w. The MAC is checked at the end:
// a mismatch returns an *IntegrityError after everything was written.
func (d *Download) Copy(ctx context.Context, w io.Writer) (int64, error) {
	return d.copy(ctx, w, nil)
}

func (d *Download) copy(ctx context.Context, w io.Writer, progress *chan int) (int64, error) {
	dr, err := NewDecryptReader(&chunkReader{ctx: ctx, d: d}, &d.data)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, maxChunkSize)
	var written int64
	for {
		n, rerr := dr.Read(buf)
		if n > 0 {
			nw, werr := w.Write(buf[:n])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if progress != nil {
				*progress <- nw
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			d.log.Debug().Err(rerr).Str("state", dr.State().String()).Msg("Download failed")
			return written, rerr
		}
	}
	d.log.Debug().Int64("bytes", written).Msg("Download verified")
	return written, nil
}

// Download file from filesystem reporting progress if not nil.
//
// dstpath is removed if the download fails or doesn't verify.
func (m *Mega) DownloadFile(ctx context.Context, src *DecryptedNode, dstpath string, progress *chan int) (err error) {
	defer func() {
		if progress != nil {
			close(*progress)
		}
	}()

	d, err := m.NewDownload(ctx, src)
	if err != nil {
		return err
	}

	outfile, err := os.OpenFile(dstpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	_, err = d.copy(ctx, outfile, progress)
	closeErr := outfile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dstpath)
		return err
	}
	return nil
}

// DownloadAll downloads the nodes of an index built by BuildIndex
// below dir, creating the folders. Files are fetched in parallel, at
// most DownloadWorkers at a time. The first failure cancels the rest.
func (m *Mega) DownloadAll(ctx context.Context, nodes map[string]*DecryptedNode, dir string) error {
	paths := make([]string, 0, len(nodes))
	for p := range nodes {
		paths = append(paths, p)
	}
	// parents sort before their children
	sort.Strings(paths)

	var files []string
	for _, p := range paths {
		dst, err := localPath(dir, p)
		if err != nil {
			return err
		}
		switch nodes[p].GetType() {
		case FILE:
			if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
				return err
			}
			files = append(files, p)
		default:
			if err := os.MkdirAll(dst, 0750); err != nil {
				return err
			}
		}
	}

	workers := m.DownloadWorkers
	if workers <= 0 {
		workers = DOWNLOAD_WORKERS
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range files {
		p := p
		g.Go(func() error {
			dst, _ := localPath(dir, p)
			if err := m.DownloadFile(gctx, nodes[p], dst, nil); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			m.log.Info().Str("path", p).Msg("Downloaded")
			return nil
		})
	}
	return g.Wait()
}

// localPath maps an index path below dir, refusing names which would
// escape it
func localPath(dir, p string) (string, error) {
	dst := filepath.Join(dir, filepath.FromSlash(p))
	rel, err := filepath.Rel(dir, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q leaves the download directory", p)
	}
	return dst, nil
}
