package storage

import (
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/trawler-io/trawler/pkg/json"
)

const (
	rootName           = "parquet_go_root"
	parquetParallelism = 4
	parquetFileSuffix  = ".parquet"
	tempFileSuffix     = ".tmp"
)

// writeParquet writes rows to a temporary file next to path and renames it
// into place, so a partition either exists complete or not at all.
func writeParquet(path string, schema tableSchema, rows []map[string]interface{}) error {
	tmp := path + tempFileSuffix
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return err
	}

	jw, err := writer.NewJSONWriter(schema.schemaJSON(), fw, parquetParallelism)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return err
	}
	jw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		encoded, err := json.Marshal(schema.normalize(row))
		if err == nil {
			err = jw.Write(string(encoded))
		}
		if err != nil {
			jw.WriteStop()
			fw.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := jw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return err
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// fileReader reads one parquet partition column by column.
type fileReader struct {
	fr source.ParquetFile
	pr *reader.ParquetReader
}

func openFile(path string) (*fileReader, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	pr, err := reader.NewParquetColumnReader(fr, parquetParallelism)
	if err != nil {
		fr.Close()
		return nil, err
	}
	return &fileReader{fr: fr, pr: pr}, nil
}

func (f *fileReader) close() {
	f.pr.ReadStop()
	f.fr.Close()
}

func (f *fileReader) numRows() int64 {
	return f.pr.GetNumRows()
}

// columns lists the file's columns from the footer, root element excluded.
func (f *fileReader) columns() []column {
	elems := f.pr.Footer.Schema
	cols := make([]column, 0, len(elems))
	for _, el := range elems[1:] {
		cols = append(cols, column{name: el.Name, kind: kindFromElement(el)})
	}
	return cols
}

func (f *fileReader) hasColumn(name string) bool {
	for _, el := range f.pr.Footer.Schema[1:] {
		if el.Name == name {
			return true
		}
	}
	return false
}

// column reads one column fully. Null slots come back as nil.
func (f *fileReader) column(name string) ([]interface{}, error) {
	n := f.numRows()
	if n == 0 {
		return nil, nil
	}

	vals, _, dls, err := f.pr.ReadColumnByPath(common.ReformPathStr(rootName+"."+name), n)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, len(vals))
	for i := range vals {
		if i < len(dls) && dls[i] > 0 {
			out[i] = vals[i]
		}
	}
	return out, nil
}

// rows materializes the whole file. Null cells are left out of their row map.
func (f *fileReader) rows() ([]map[string]interface{}, []column, error) {
	cols := f.columns()
	n := int(f.numRows())

	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = make(map[string]interface{}, len(cols))
	}

	for _, col := range cols {
		vals, err := f.column(col.name)
		if err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if i < n && v != nil {
				rows[i][col.name] = v
			}
		}
	}
	return rows, cols, nil
}

func readFileRows(path string) ([]map[string]interface{}, []column, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.close()
	return f.rows()
}
