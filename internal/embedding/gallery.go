package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/rice-eval/internal/imaging"
	"github.com/ricesearch/rice-eval/internal/ml"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/hash"
)

// GalleryItem is one gallery image.
type GalleryItem struct {
	ID   string
	Path string
}

// GalleryFromDir lists the images in dir sorted by file name. Files whose
// extension is not in exts (lower-case, with dot) are ignored; an empty exts
// accepts every regular file.
func GalleryFromDir(dir string, exts []string) ([]GalleryItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.ConfigurationErrorf("reading images dir %s: %v", dir, err)
	}

	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[ext] = true
	}

	// ReadDir returns entries sorted by file name
	items := make([]GalleryItem, 0, len(entries))
	files := make(map[string]string, len(entries)) // id -> file name
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		id := ImageID(e.Name())
		if prev, ok := files[id]; ok {
			return nil, errors.ConfigurationErrorf("gallery files %s and %s share the identifier %s", prev, e.Name(), id).
				WithDetail("dir", dir)
		}
		files[id] = e.Name()
		items = append(items, GalleryItem{
			ID:   id,
			Path: filepath.Join(dir, e.Name()),
		})
	}

	if len(items) == 0 {
		return nil, errors.ConfigurationErrorf("no gallery images in %s", dir)
	}

	return items, nil
}

// preparedBatch is a decoded batch waiting for the model.
type preparedBatch struct {
	members []int // item indices that decoded, in item order
	buf     *[]float32
}

// EmbedGallery embeds items in order. Batches are decoded by a bounded pool
// of workers while a single consumer feeds them to the model in batch order,
// so row i of the matrix always belongs to the i-th surviving item.
func (x *Extractor) EmbedGallery(ctx context.Context, items []GalleryItem) (*Matrix, error) {
	if len(items) == 0 {
		return nil, errors.ConfigurationError("gallery is empty")
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			return nil, errors.ConfigurationError("duplicate gallery identifier " + it.ID)
		}
		seen[it.ID] = true
	}

	vectors := make([]Vector, len(items))
	keys := make([]string, len(items))
	skipped := make([]bool, len(items))

	pending := x.lookupCached(ctx, items, vectors, keys)
	if len(pending) > 0 {
		x.log.Info("Embedding gallery", "images", len(pending), "cached", len(items)-len(pending),
			"batch_size", x.cfg.BatchSize, "workers", x.cfg.Workers)
		if err := x.runPipeline(ctx, items, pending, vectors, keys, skipped); err != nil {
			return nil, err
		}
	}

	m := NewMatrix(len(items))
	for i, it := range items {
		if skipped[i] {
			continue
		}
		if err := m.Append(it.ID, vectors[i]); err != nil {
			return nil, errors.ModelExecutionError("inconsistent gallery vectors", err).WithDetail("image", it.ID)
		}
	}
	if m.Len() == 0 {
		return nil, errors.ConfigurationError("every gallery image was skipped")
	}
	return m, nil
}

// lookupCached fills vectors from the cache and returns the indices that
// still need the model.
func (x *Extractor) lookupCached(ctx context.Context, items []GalleryItem, vectors []Vector, keys []string) []int {
	if x.cache == nil {
		pending := make([]int, len(items))
		for i := range pending {
			pending[i] = i
		}
		return pending
	}

	var pending []int
	for i, it := range items {
		key, err := x.cacheKey(it)
		if err != nil {
			pending = append(pending, i)
			continue
		}
		keys[i] = key

		vec, ok, err := x.cache.Get(ctx, key)
		if err != nil {
			x.log.Warn("Vector cache lookup failed", "image", it.ID, "error", err)
		}
		if err != nil || !ok {
			pending = append(pending, i)
			continue
		}
		vectors[i] = vec
	}
	return pending
}

func (x *Extractor) cacheKey(it GalleryItem) (string, error) {
	fp, err := hash.FileFingerprint(it.Path)
	if err != nil {
		return "", err
	}
	transform := "gallery:" + strconv.Itoa(x.cfg.ResizeShort) + ":" + strconv.Itoa(x.cfg.CropSize)
	return hash.Key(x.cfg.ModelID, transform, fp), nil
}

func (x *Extractor) runPipeline(ctx context.Context, items []GalleryItem, pending []int, vectors []Vector, keys []string, skipped []bool) error {
	var batches [][]int
	for start := 0; start < len(pending); start += x.cfg.BatchSize {
		end := min(start+x.cfg.BatchSize, len(pending))
		batches = append(batches, pending[start:end])
	}

	ready := make([]chan preparedBatch, len(batches))
	for i := range ready {
		ready[i] = make(chan preparedBatch, 1)
	}
	jobs := make(chan int)
	inflight := make(chan struct{}, x.cfg.Prefetch)

	g, gctx := errgroup.WithContext(ctx)

	// Dispatcher: hands out batch indices in order, at most Prefetch ahead
	// of the consumer.
	g.Go(func() error {
		defer close(jobs)
		for b := range batches {
			select {
			case inflight <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < x.cfg.Workers; w++ {
		g.Go(func() error {
			for b := range jobs {
				pb, err := x.prepareBatch(gctx, items, batches[b], skipped)
				if err != nil {
					return err
				}
				ready[b] <- pb
			}
			return nil
		})
	}

	g.Go(func() error {
		for b := range batches {
			var pb preparedBatch
			select {
			case pb = <-ready[b]:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := x.consumeBatch(gctx, b, len(batches), items, pb, vectors, keys); err != nil {
				return err
			}
			<-inflight
		}
		return nil
	})

	err := g.Wait()

	// Release buffers of batches prepared but never consumed.
	for _, ch := range ready {
		select {
		case pb := <-ch:
			x.pool.Put(pb.buf)
		default:
		}
	}
	return err
}

// prepareBatch decodes, resizes and center-crops the images of one batch
// into a pooled buffer.
func (x *Extractor) prepareBatch(ctx context.Context, items []GalleryItem, batch []int, skipped []bool) (preparedBatch, error) {
	buf := x.pool.Get().(*[]float32)
	tl := imaging.TensorLen(x.cfg.CropSize)

	pb := preparedBatch{buf: buf, members: make([]int, 0, len(batch))}
	for _, idx := range batch {
		if err := ctx.Err(); err != nil {
			x.pool.Put(buf)
			return preparedBatch{}, err
		}

		it := items[idx]
		img, err := imaging.Open(it.Path)
		if err == nil {
			cropped := imaging.Resize(img, x.cfg.ResizeShort)
			cropped, err = imaging.CenterCrop(cropped, x.cfg.CropSize)
			if err == nil {
				slot := len(pb.members)
				imaging.ToTensor(cropped, (*buf)[slot*tl:(slot+1)*tl])
				pb.members = append(pb.members, idx)
				continue
			}
		}

		if x.cfg.SkipCorruptGallery && errors.IsImageDecode(err) {
			x.log.Warn("Skipping unreadable gallery image", "image", it.ID, "path", it.Path, "error", err)
			x.metrics.RecordGallerySkipped()
			skipped[idx] = true
			continue
		}
		x.pool.Put(buf)
		return preparedBatch{}, err
	}
	return pb, nil
}

// consumeBatch runs the model on one prepared batch and stores its vectors.
// The batch buffer is returned to the pool on every path.
func (x *Extractor) consumeBatch(ctx context.Context, b, total int, items []GalleryItem, pb preparedBatch, vectors []Vector, keys []string) error {
	defer x.pool.Put(pb.buf)

	n := len(pb.members)
	if n == 0 {
		return nil
	}

	tl := imaging.TensorLen(x.cfg.CropSize)
	batch := ml.Batch{
		Data: (*pb.buf)[:n*tl],
		N:    n,
		C:    imaging.Channels,
		H:    x.cfg.CropSize,
		W:    x.cfg.CropSize,
	}

	start := time.Now()
	vecs, err := x.model.Embed(ctx, batch)
	if err == nil && len(vecs) != n {
		err = fmt.Errorf("model returned %d vectors for %d images", len(vecs), n)
	}
	for j := 0; err == nil && j < len(vecs); j++ {
		if c := NonFinite(vecs[j]); c >= 0 {
			err = fmt.Errorf("non-finite value at component %d for %s", c, items[pb.members[j]].ID)
		}
	}
	if err != nil {
		first, last := items[pb.members[0]].ID, items[pb.members[n-1]].ID
		return errors.ModelExecutionError("gallery embedding failed", err).
			WithDetail("batch", strconv.Itoa(b)).
			WithDetail("images", first+".."+last)
	}
	x.metrics.ObserveBatch(time.Since(start))
	x.metrics.RecordImagesEmbedded("gallery", n)

	for j, idx := range pb.members {
		vectors[idx] = vecs[j]
		if x.cache != nil && keys[idx] != "" {
			if err := x.cache.Set(ctx, keys[idx], vecs[j]); err != nil {
				x.log.Warn("Vector cache write failed", "image", items[idx].ID, "error", err)
			}
		}
	}

	x.progress.Do(func() {
		x.log.Info("Gallery progress", "batch", b+1, "of", total)
	})
	return nil
}
