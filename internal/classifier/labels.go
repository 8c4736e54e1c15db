package classifier

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// DisplayNameColumn is the class map column holding human readable names
const DisplayNameColumn = "display_name"

// Labels maps class indices to display names
type Labels []string

// Name returns the display name for a class index
func (l Labels) Name(index int) (string, error) {
	if index < 0 || index >= len(l) {
		return "", fmt.Errorf("class index %d out of range (%d classes)", index, len(l))
	}
	return l[index], nil
}

// ParseClassMap reads a class map CSV with a header row (index,mid,display_name).
// Row order defines the class index.
func ParseClassMap(r io.Reader) (Labels, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("class map is empty")
		}
		return nil, fmt.Errorf("failed to read class map header: %w", err)
	}

	column := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == DisplayNameColumn {
			column = i
			break
		}
	}
	if column < 0 {
		return nil, fmt.Errorf("class map has no %q column", DisplayNameColumn)
	}

	var labels Labels
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read class map row %d: %w", len(labels)+1, err)
		}
		if column >= len(record) {
			return nil, fmt.Errorf("class map row %d has no %s", len(labels)+1, DisplayNameColumn)
		}
		labels = append(labels, record[column])
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("class map has no classes")
	}

	return labels, nil
}

// LoadClassMap reads a class map from a file path or an http(s) URL
func LoadClassMap(ctx context.Context, location string) (Labels, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return fetchClassMap(ctx, location)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open class map: %w", err)
	}
	defer f.Close()

	labels, err := ParseClassMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return labels, nil
}

func fetchClassMap(ctx context.Context, url string) (Labels, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create class map request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch class map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: "class map fetch"}
	}

	labels, err := ParseClassMap(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return labels, nil
}
