package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trawler-io/trawler/pkg/errors"
)

const metaDirName = "_meta"

// Catalog answers questions about what is already stored under a data root.
// It is the read side of the layout the Writer produces: sources use it to
// list previously captured identifiers, the CLI uses it to describe scopes.
type Catalog struct {
	root string
}

func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

// MetaPath returns the path of a named file in the shared metadata directory.
// Metadata lives next to the scope directories but is never a scope itself.
func (c *Catalog) MetaPath(name string) string {
	return filepath.Join(c.root, metaDirName, name)
}

// Scopes lists the scope directories under the data root, sorted. Directories
// starting with an underscore (checkpoints, metadata) are not scopes.
func (c *Catalog) Scopes() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read data root")
	}

	var scopes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), "_") {
			scopes = append(scopes, e.Name())
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Tables lists the table directories of one scope, sorted.
func (c *Catalog) Tables(scope string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("read scope %s", scope))
	}

	var tables []string
	for _, e := range entries {
		if e.IsDir() {
			tables = append(tables, e.Name())
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// Files lists the parquet partitions of a table, sorted by name.
func (c *Catalog) Files(scope, table string) ([]string, error) {
	dir := filepath.Join(c.root, scope, table)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("read table %s/%s", scope, table))
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), parquetFileSuffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// RowCount sums the row counts of every partition of a table. It only reads
// file footers, never row data.
func (c *Catalog) RowCount(scope, table string) (int64, error) {
	files, err := c.Files(scope, table)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, path := range files {
		f, err := openFile(path)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("open partition %s", path))
		}
		total += f.numRows()
		f.close()
	}
	return total, nil
}

// ColumnStrings returns every non-nil value of one column across every
// partition of a table, rendered as text, in partition order. Duplicates are
// kept. Partitions that predate the column are skipped, missing tables yield
// an empty result.
func (c *Catalog) ColumnStrings(scope, table, column string) ([]string, error) {
	files, err := c.Files(scope, table)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, path := range files {
		f, err := openFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("open partition %s", path))
		}
		if !f.hasColumn(column) {
			f.close()
			continue
		}

		vals, err := f.column(column)
		f.close()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage,
				fmt.Sprintf("read column %s of %s", column, path))
		}

		for _, v := range vals {
			if v == nil {
				continue
			}
			out = append(out, formatValue(v))
		}
	}
	return out, nil
}

// DistinctStrings returns the distinct values of one column across every
// partition of a table, rendered as text and sorted.
func (c *Catalog) DistinctStrings(scope, table, column string) ([]string, error) {
	vals, err := c.ColumnStrings(scope, table, column)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(vals))
	out := vals[:0]
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}
