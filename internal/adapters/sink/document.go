// Package sink shapes metric records into the documents stored by the
// metrics sinks.
package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// durationSignals are reported in milliseconds in stored documents.
var durationSignals = []string{"fcp", "lcp", "input_delay", "ttfb"}

// Document renders one record for storage: null fields are stripped, duration
// signals are converted to milliseconds, and the document is stamped with the
// receive time and schema version.
func Document(record domain.MetricRecord, receivedAt time.Time, schemaVersion string) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode metric record: %w", err)
	}

	doc, err := StripNulls(raw)
	if err != nil {
		return nil, err
	}

	for _, name := range durationSignals {
		path := "signals." + name
		value := gjson.GetBytes(doc, path)
		if !value.Exists() {
			continue
		}
		doc, err = sjson.SetBytes(doc, path, float64(value.Int())/float64(time.Millisecond))
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
	}

	if doc, err = sjson.SetBytes(doc, "server_received_at", receivedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("stamp receive time: %w", err)
	}
	if doc, err = sjson.SetBytes(doc, "schema_version", schemaVersion); err != nil {
		return nil, fmt.Errorf("stamp schema version: %w", err)
	}

	return doc, nil
}

// StripNulls removes every null member of the JSON object, at any depth.
func StripNulls(doc []byte) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("strip nulls: invalid json document")
	}

	var paths []string
	collectNulls(gjson.ParseBytes(doc), "", &paths)

	var err error
	for i := len(paths) - 1; i >= 0; i-- {
		if doc, err = sjson.DeleteBytes(doc, paths[i]); err != nil {
			return nil, fmt.Errorf("strip %s: %w", paths[i], err)
		}
	}
	return doc, nil
}

func collectNulls(value gjson.Result, prefix string, paths *[]string) {
	if !value.IsObject() {
		return
	}
	value.ForEach(func(key, member gjson.Result) bool {
		path := escapePath(key.String())
		if prefix != "" {
			path = prefix + "." + path
		}
		switch {
		case member.Type == gjson.Null:
			*paths = append(*paths, path)
		case member.IsObject():
			collectNulls(member, path, paths)
		}
		return true
	})
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
