package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"churnlens/ml"
)

// 输入文件编码
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

// ReadOptions 读取选项
type ReadOptions struct {
	Schema ml.Schema
	// Encoding is used when the file carries no byte order mark.
	Encoding string
	// RequireTarget rejects files without the label column.
	RequireTarget bool
}

// Dataset 客户数据集
type Dataset struct {
	Schema  ml.Schema
	Header  []string
	Records []ml.CustomerRecord
}

// HasTarget reports whether the file carried the label column.
func (d *Dataset) HasTarget() bool {
	for _, col := range d.Header {
		if col == d.Schema.TargetField {
			return true
		}
	}
	return false
}

// LoadCSV 从文件加载数据集
func LoadCSV(path string, opts ReadOptions) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := ReadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV 读取CSV，一行一个客户
func ReadCSV(r io.Reader, opts ReadOptions) (*Dataset, error) {
	fallback, err := decoderFor(opts.Encoding)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(fallback.NewDecoder())))

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := checkHeader(header, opts); err != nil {
		return nil, err
	}

	ds := &Dataset{Schema: opts.Schema, Header: header}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(ml.CustomerRecord, len(header))
		for i, col := range header {
			rec[col] = row[i]
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}

func decoderFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", EncodingUTF8, "utf8":
		return unicode.UTF8, nil
	case EncodingWindows1252, "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

func checkHeader(header []string, opts ReadOptions) error {
	present := make(map[string]bool, len(header))
	for _, col := range header {
		if present[col] {
			return fmt.Errorf("duplicate column %s", col)
		}
		present[col] = true
	}
	var missing []string
	for _, col := range opts.Schema.Columns() {
		if col == opts.Schema.TargetField && !opts.RequireTarget {
			continue
		}
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
