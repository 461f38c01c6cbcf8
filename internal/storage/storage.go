package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/maltedev/price-tracker/internal/models"
)

var ErrInvalidReference = errors.New("product reference needs a positive product_id and a url")

// ProductFile is a product registry kept in a JSON file holding an array of
// {"product_id", "url"} objects. The file is re-read on every listing so
// edits are picked up by the next run.
type ProductFile struct {
	mu       sync.RWMutex
	filename string
}

func NewProductFile(filename string) (*ProductFile, error) {
	if filename == "" {
		return nil, fmt.Errorf("registry file name is required")
	}
	return &ProductFile{filename: filename}, nil
}

// ListProducts returns the registered products ordered by id. A missing file
// is an empty registry.
func (pf *ProductFile) ListProducts(ctx context.Context) ([]models.ProductReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pf.mu.RLock()
	defer pf.mu.RUnlock()

	refs, err := pf.load()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].ProductID < refs[j].ProductID
	})
	return refs, nil
}

func (pf *ProductFile) ProductExists(ctx context.Context, productID int64) (bool, error) {
	refs, err := pf.ListProducts(ctx)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if ref.ProductID == productID {
			return true, nil
		}
	}
	return false, nil
}

// Add registers a product, replacing any entry with the same id.
func (pf *ProductFile) Add(ref models.ProductReference) error {
	if ref.ProductID <= 0 || ref.URL == "" {
		return ErrInvalidReference
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()

	refs, err := pf.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range refs {
		if refs[i].ProductID == ref.ProductID {
			refs[i] = ref
			replaced = true
			break
		}
	}
	if !replaced {
		refs = append(refs, ref)
	}

	return pf.save(refs)
}

func (pf *ProductFile) load() ([]models.ProductReference, error) {
	data, err := os.ReadFile(pf.filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var refs []models.ProductReference
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to decode registry %s: %w", pf.filename, err)
	}
	return refs, nil
}

func (pf *ProductFile) save(refs []models.ProductReference) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := pf.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, pf.filename)
}
