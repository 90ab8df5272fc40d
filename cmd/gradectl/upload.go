package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"github.com/programme-lv/grader/blobstore"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type attachment struct {
	name    string // slash separated, relative to the root
	content []byte
}

func readAttachments(base string, paths []string) ([]attachment, error) {
	out := make([]attachment, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(base, p)
		if err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%s is not inside %s", p, base)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		out = append(out, attachment{name: filepath.ToSlash(rel), content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// contentRoot derives a root from the names and contents of the files so that
// uploading the same set twice yields the same refs.
func contentRoot(files []attachment) string {
	h := sha256.New()
	for _, f := range files {
		sum := sha256.Sum256(f.content)
		fmt.Fprintf(h, "%s\x00%x\n", f.name, sum)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// uploadAttachments stores files under root and returns their refs.
func uploadAttachments(ctx context.Context, store blobstore.Store, root string, files []attachment) ([]string, error) {
	refs := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			mediaType := mimetype.Detect(f.content).String()
			key := blobstore.ObjectKey(root, f.name)
			log.Debug().Str("key", key).Str("mediaType", mediaType).Int("size", len(f.content)).Msg("uploading attachment")
			if err := store.Upload(ctx, key, f.content, mediaType); err != nil {
				return fmt.Errorf("failed to upload %s: %w", f.name, err)
			}
			refs[i] = root + "/" + f.name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}
