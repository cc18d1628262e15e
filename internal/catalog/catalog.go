// Package catalog provides the append-only function catalog backed by a CSV
// file.
package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fentz26/fnbox/internal/models"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for catalog operations.
var (
	ErrDuplicateID = errors.New("function id already registered")
	ErrNotFound    = errors.New("function not found")
)

// Column names of the persisted table, in write order.
const (
	colID                = "ID"
	colName              = "name"
	colInputList         = "input_list"
	colOutputList        = "output_list"
	colDescription       = "description"
	colInputDescription  = "input_list_description"
	colOutputDescription = "output_list_description"
)

var header = []string{
	colID, colName, colInputList, colOutputList,
	colDescription, colInputDescription, colOutputDescription,
}

// Catalog is the durable record of all registered functions. Appends are
// serialized; readers only ever see fully written records.
type Catalog struct {
	path string

	mu      sync.RWMutex
	entries []models.FunctionDescriptor
	index   map[string]int
}

// Open loads the catalog at path, creating it with a header row if missing.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	c := &Catalog{
		path:  path,
		index: make(map[string]int),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := c.writeHeader(); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	if err := c.load(f); err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}

// Path returns the backing file path.
func (c *Catalog) Path() string {
	return c.path
}

func (c *Catalog) writeHeader() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := os.WriteFile(c.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	return nil
}

func (c *Catalog) load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	head, err := reader.Read()
	if err == io.EOF {
		return c.writeHeader()
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(head))
	for i, name := range head {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range header {
		if _, ok := cols[name]; !ok {
			return fmt.Errorf("missing column %q", name)
		}
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line, _ := reader.FieldPos(0)

		d, err := decodeRecord(record, cols)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, exists := c.index[d.ID]; exists {
			log.Warn().Str("function_id", d.ID).Int("line", line).Msg("duplicate catalog row ignored")
			continue
		}
		c.index[d.ID] = len(c.entries)
		c.entries = append(c.entries, d)
	}
}

func decodeRecord(record []string, cols map[string]int) (models.FunctionDescriptor, error) {
	field := func(name string) string {
		i := cols[name]
		if i >= len(record) {
			return ""
		}
		return record[i]
	}

	d := models.FunctionDescriptor{
		ID:          strings.TrimSpace(field(colID)),
		Name:        field(colName),
		Description: field(colDescription),
	}
	if d.ID == "" {
		return d, errors.New("empty function id")
	}

	lists := []struct {
		col string
		dst *[]string
	}{
		{colInputList, &d.Inputs},
		{colOutputList, &d.Outputs},
		{colInputDescription, &d.InputDescriptions},
		{colOutputDescription, &d.OutputDescriptions},
	}
	for _, l := range lists {
		items, err := DecodeList(field(l.col))
		if err != nil {
			return d, fmt.Errorf("column %s: %w", l.col, err)
		}
		*l.dst = items
	}
	return d, nil
}

func encodeRecord(d models.FunctionDescriptor) []string {
	return []string{
		d.ID,
		d.Name,
		EncodeList(d.Inputs),
		EncodeList(d.Outputs),
		d.Description,
		EncodeList(d.InputDescriptions),
		EncodeList(d.OutputDescriptions),
	}
}

// Append adds one descriptor to the catalog.
func (c *Catalog) Append(d models.FunctionDescriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("catalog: empty function id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(encodeRecord(d)); err != nil {
		return fmt.Errorf("encode catalog row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode catalog row: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open catalog for append: %w", err)
	}
	// One write per record keeps rows whole even across processes.
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append catalog row: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync catalog: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}

	c.index[d.ID] = len(c.entries)
	c.entries = append(c.entries, clone(d))
	return nil
}

// Lookup returns the descriptor registered under id.
func (c *Catalog) Lookup(id string) (models.FunctionDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return models.FunctionDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(c.entries[i]), nil
}

// Contains reports whether id is registered.
func (c *Catalog) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// List returns all descriptors in the order they were appended.
func (c *Catalog) List() []models.FunctionDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.FunctionDescriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, clone(d))
	}
	return out
}

// Len returns the number of registered functions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func clone(d models.FunctionDescriptor) models.FunctionDescriptor {
	d.Inputs = cloneStrings(d.Inputs)
	d.Outputs = cloneStrings(d.Outputs)
	d.InputDescriptions = cloneStrings(d.InputDescriptions)
	d.OutputDescriptions = cloneStrings(d.OutputDescriptions)
	return d
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
