package packager

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"

	"github.com/v-shavyaa/metaflow/utils"
)

const uploadConcurrency = 8

/**
 * UploadArtifacts fans a batch of payloads out over a bounded worker
 * pool and returns their URLs keyed by artifact name. The first error
 * wins; the pool is always drained before returning so no upload is
 * left running behind the caller's back.
 */
func UploadArtifacts(ctx context.Context, store BlobStore, artifacts map[string][]byte) (map[string]string, error) {
	wp := workerpool.New(uploadConcurrency)

	var (
		mu       sync.Mutex
		firstErr error
		urls     = make(map[string]string, len(artifacts))
	)
	for _, name := range utils.SortedKeys(artifacts) {
		name := name
		data := artifacts[name]
		wp.Submit(func() {
			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed || ctx.Err() != nil {
				return
			}

			url, err := store.Save(ctx, name, data)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Annotatef(err, "artifact %s", name)
				}
				return
			}
			urls[name] = url
		})
	}
	wp.StopWait()

	if firstErr != nil {
		return nil, errors.Trace(firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return urls, nil
}
